package server

import (
	"net/http"

	"cmdforge/internal/gateway/handler"
	"cmdforge/internal/gateway/handler/rpc"
	"cmdforge/internal/gateway/middleware"
)

func NewMux(rpcHandler *rpc.Handler, debugHandler *handler.DebugHandler, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	// RPC + submission stream
	rpcHandler.Mount(mux)

	// Debug Handlers
	mux.HandleFunc("/debug/stats", debugHandler.HandleStats)
	mux.HandleFunc("/debug/artifact-trail", debugHandler.HandleArtifactTrail)

	return middleware.CORS(allowedOrigins)(mux)
}
