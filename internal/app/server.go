package app

import (
	"net/http"

	"routing-hub/internal/common/logging"
	"routing-hub/internal/server"
)

// Handler builds the HTTP API over the wired components
func (app *App) Handler() http.Handler {
	opts := server.Options{
		Auth:     app.Auth,
		Limiter:  app.Limiter,
		Metrics:  app.Monitor.Handler(),
		Insights: app.Knowledge,
		Health:   app.Dispatcher.Health,
		Logger:   logging.GetGlobalLogger(),
	}
	return server.NewRouter(app.Hub, app.Router, opts)
}

// RunServer creates the HTTP server with all handlers configured
func (app *App) RunServer() *server.Server {
	return server.New(app.Handler(), app.Config.Port, app.Config.TLSCert, app.Config.TLSKey, logging.GetGlobalLogger())
}
