package tunnel

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/burrowhq/burrow/log"
)

// Web is the internal management surface. It is unauthenticated by design:
// deployments MUST keep the management listener on a private network.
type Web struct {
	Registry *Registry
	Logger   *log.Logger
}

// ConfigureRoutes attaches the management endpoints to a router.
func (w Web) ConfigureRoutes(router *mux.Router) {
	router.HandleFunc("/tunnels", w.handleListTunnels).Methods(http.MethodGet)
	router.HandleFunc("/tunnels/{subdomain}", w.handleDeleteTunnel).Methods(http.MethodDelete)
}

type tunnelResponse struct {
	Subdomain   string `json:"subdomain"`
	UserID      string `json:"user_id"`
	ClientIP    string `json:"client_ip"`
	ConnectedAt string `json:"connected_at"`
	IsConnected bool   `json:"is_connected"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (w Web) handleListTunnels(rw http.ResponseWriter, r *http.Request) {
	tunnels := w.Registry.List()

	response := make([]tunnelResponse, 0, len(tunnels))
	for _, t := range tunnels {
		response = append(response, tunnelResponse{
			Subdomain:   t.Subdomain,
			UserID:      t.UserID,
			ClientIP:    t.ClientIP,
			ConnectedAt: t.CreatedAt.UTC().Format(time.RFC3339),
			IsConnected: t.Connected,
		})
	}

	respond(rw, http.StatusOK, response)
}

func (w Web) handleDeleteTunnel(rw http.ResponseWriter, r *http.Request) {
	subdomain := mux.Vars(r)["subdomain"]

	err := w.Registry.Terminate(subdomain, "terminated by administrator")
	if errors.Is(err, ErrTunnelNotFound) {
		respond(rw, http.StatusNotFound, errorResponse{Error: "tunnel not found: " + subdomain})
		return
	}
	if err != nil {
		respond(rw, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	w.Logger.With("subdomain", subdomain).Info("Tunnel terminated via management API")
	respond(rw, http.StatusOK, messageResponse{Message: "tunnel '" + subdomain + "' disconnected"})
}

func respond(rw http.ResponseWriter, status int, ret interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(ret)
}
