package desk

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Group(func(r chi.Router) {
		r.Use(Identify)

		r.Get("/presence/online", h.ListOnline)
		r.Put("/presence", h.SetPresence)
		r.Put("/presence/visibility", h.SetVisibility)
		r.Post("/presence/cleanup", h.ForceCleanup)
		r.Get("/presence/{userID}", h.GetPresence)
		r.Put("/presence/{userID}/override", h.ApplyOverride)
		r.Delete("/presence/{userID}/override", h.ClearOverride)

		r.Get("/work-modes/{staffID}", h.GetWorkMode)
		r.Put("/work-modes/{staffID}", h.SetWorkMode)

		r.Get("/queue", h.Queue)

		r.Post("/sessions", h.StartSession)
		r.Post("/sessions/recover", h.RecoverSession)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Delete("/sessions/{sessionID}", h.RemoveSession)
		r.Post("/sessions/{sessionID}/heartbeat", h.Heartbeat)
		r.Get("/sessions/{sessionID}/messages", h.History)
		r.Post("/sessions/{sessionID}/messages", h.PostMessage)
		r.Post("/sessions/{sessionID}/assign", h.AssignSession)
		r.Post("/sessions/{sessionID}/end", h.EndSession)
		r.Post("/sessions/{sessionID}/leave", h.LeaveSession)
		r.Post("/sessions/{sessionID}/return", h.ReturnSession)

		r.Post("/calls", h.InitiateCall)
		r.Get("/calls/{callID}", h.CallStatus)
		r.Post("/calls/{callID}/answer", h.callAction(answerCall))
		r.Post("/calls/{callID}/join", h.callAction(joinCall))
		r.Post("/calls/{callID}/decline", h.callAction(declineCall))
		r.Post("/calls/{callID}/leave", h.callAction(leaveCall))
		r.Post("/calls/{callID}/end", h.callAction(endCall))
		r.Post("/calls/{callID}/quality", h.callAction(callQuality))
	})
}
