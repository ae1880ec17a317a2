// Package status serves the read-only relay snapshot over HTTP for
// operational monitoring. There is no control surface.
package status

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/rs/cors"

	"github.com/agrisense/edgesync/internal/relay"
)

// Handler returns the /status endpoint wrapped in permissive CORS so
// a dashboard can poll it from the browser.
func Handler(snapshot func() relay.Snapshot) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			log.Println("error: writing status response:", err)
		}
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(mux)
}

// Serve blocks on ListenAndServe; run it in its own goroutine.
func Serve(addr string, snapshot func() relay.Snapshot) error {
	return http.ListenAndServe(addr, Handler(snapshot))
}
