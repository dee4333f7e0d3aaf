package health

import "net/http"

// Liveness indicates the process is running. Always 200 "ALIVE", no dependency checks.
func Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ALIVE"))
}
