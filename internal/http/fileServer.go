package http

import (
	"io/fs"
	"net/http"
	"strings"

	"palaver/internal/ws"
)

// NewFileServerHandler serves the embedded frontend. The chat page requires
// a valid session; everyone else is bounced to the login page.
func NewFileServerHandler(auth ws.Authenticator, assets fs.FS) http.HandlerFunc {
	fileServer := http.FileServer(http.FS(assets))

	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "/index.html" {
			cookie, err := r.Cookie("token")
			if err != nil || cookie.Value == "" {
				http.Redirect(w, r, "/login.html", http.StatusFound)
				return
			}
			if _, err := auth.Authenticate(cookie.Value); err != nil {
				http.Redirect(w, r, "/login.html", http.StatusFound)
				return
			}
		}

		// Never serve the embed source itself.
		if strings.HasSuffix(r.URL.Path, "/static.go") {
			http.NotFound(w, r)
			return
		}

		fileServer.ServeHTTP(w, r)
	}
}
