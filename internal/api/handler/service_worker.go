package handler

import (
	_ "embed"
	"net/http"
)

//go:embed assets/service-worker.js
var serviceWorker []byte

// ServiceWorker handles GET /service-worker.js. Browsers only register a
// worker served from the scope it controls, so it lives at the site root.
func ServiceWorker(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Service-Worker-Allowed", "/")
	_, _ = w.Write(serviceWorker)
}
