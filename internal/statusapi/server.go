// Package statusapi implements the Status API (C9): a read-only HTTP
// surface over a UNIX socket, backed by the Instance Registry, queried by
// vsxctl. It did not exist in the original vs-X - it fills the gap the
// original author flagged in a comment about having no query mechanism
// short of going back to the State Manager.
package statusapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/coreos/go-systemd/activation"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/vizstack/vsxd/internal/registry"
)

// DefaultSocketPath is where the Status API listens absent systemd socket
// activation.
const DefaultSocketPath = "/run/vizstack/vsxd-status.sock"

// Server serves the read-only instance-introspection API. No method on
// Server, nor anything it calls, ever opens the Registry for writing - it
// is constructed from a *registry.ReadOnlyRegistry, a type with no Put
// method, so this is enforced by the compiler rather than convention.
type Server struct {
	reg        *registry.ReadOnlyRegistry
	router     *httprouter.Router
	srv        *http.Server
	socket     net.Listener
	socketPath string
	systemd    bool
}

// New builds a Server reading from reg, unbound until Bind is called.
func New(reg *registry.ReadOnlyRegistry) *Server {
	router := httprouter.New()
	s := &Server{
		reg:    reg,
		router: router,
		srv:    &http.Server{Handler: router},
	}
	router.GET("/v1/instances", s.listInstances)
	router.GET("/v1/instances/:serverNumber", s.getInstance)
	return s
}

// Bind listens on socketPath, or on a systemd-activated socket when
// LISTEN_FDS is present in the environment - the same activation.Listeners
// path the teacher's own Server.Bind follows.
func (s *Server) Bind(socketPath string) error {
	s.socketPath = socketPath

	if _, activated := os.LookupEnv("LISTEN_FDS"); activated {
		listeners, err := activation.Listeners(true)
		if err != nil {
			return err
		}
		if len(listeners) != 1 {
			return errors.New("statusapi: expected exactly one systemd-activated socket")
		}
		unixListener, ok := listeners[0].(*net.UnixListener)
		if !ok {
			return errors.New("statusapi: expected a unix socket from systemd activation")
		}
		unixListener.SetUnlinkOnClose(false)
		s.socket = unixListener
		s.systemd = true
		return nil
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		ln.Close()
		return err
	}
	s.socket = ln
	return nil
}

// Serve blocks, serving requests until the listener is closed.
func (s *Server) Serve() error {
	if s.socket == nil {
		return errors.New("statusapi: Bind must be called before Serve")
	}
	if s.systemd {
		daemon.SdNotify(false, "READY=1")
	}
	if err := s.srv.Serve(s.socket); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts the server down and, unless systemd owns the socket,
// unlinks it.
func (s *Server) Close() error {
	err := s.srv.Close()
	if !s.systemd && s.socketPath != "" {
		os.Remove(s.socketPath)
	}
	return err
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	list, err := s.reg.List()
	if err != nil {
		log.WithError(err).Error("statusapi: failed to list instances")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	n, err := strconv.Atoi(p.ByName("serverNumber"))
	if err != nil {
		http.Error(w, "invalid server number", http.StatusBadRequest)
		return
	}

	list, err := s.reg.List()
	if err != nil {
		log.WithError(err).Error("statusapi: failed to list instances")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for _, rec := range list {
		if rec.Identity.ServerNumber == n {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	http.Error(w, "no such instance", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("statusapi: failed to write response body")
	}
}
