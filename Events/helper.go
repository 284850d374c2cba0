package events

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	Admin "zuum/Events/Admin"
	Auth "zuum/Events/Auth"
	Chat "zuum/Events/Chat"
	Notifications "zuum/Events/Notifications"
	Payments "zuum/Events/Payments"
	Posts "zuum/Events/Posts"
	Search "zuum/Events/Search"
	Social "zuum/Events/Social"
	User "zuum/Events/Users"
	Bus "zuum/Services/Bus"
	Mdb "zuum/Services/Mdb"
	Realtime "zuum/Services/Realtime"
	Utils "zuum/Utils"
)

// Init connects the realtime hub to NATS when it is available so rooms
// span every instance.
func Init() {
	if !Bus.InitBus() {
		return
	}
	if err := Bus.SubscribeRooms(Realtime.Default.DeliverLocal); err != nil {
		log.Printf("Init: realtime fan-out disabled: %v", err)
		return
	}
	Realtime.Default.SetPublisher(Bus.RoomPublisher{})
}

func Handler(req chi.Router) {
	req.Get("/health", Health)

	req.Route("/auth", Auth.Handle)
	req.Route("/profiles", User.Handle)
	req.Route("/posts/{kind}", Posts.Handle)

	req.Route("/social", Social.Handle)

	req.Route("/notifications", Notifications.Handle)
	req.Route("/messages", Chat.Handle)
	req.Get("/ws", Chat.ServeSocket)

	req.Route("/payments", Payments.Handle)

	req.Route("/admin", func(r chi.Router) {
		r.Use(Auth.RequireAdmin)
		Admin.Handle(r)
	})

	req.Route("/search", Search.Handle)

	req.Route("/webhooks", func(r chi.Router) {
		r.Post("/media", Posts.MediaWebhook)
		r.Post("/payments", Payments.Webhook)
	})
}

// Health reports whether the database answers.
func Health(w http.ResponseWriter, r *http.Request) {
	if err := Mdb.DB.PingContext(r.Context()); err != nil {
		log.Printf("Health: database ping failed: %v", err)
		Utils.SendErrorResponse(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	Utils.SendSuccessResponse(w, map[string]string{"status": "ok"})
}
