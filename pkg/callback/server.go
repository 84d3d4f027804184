// Package callback serves the kubelet-style HTTPS endpoints the cluster
// uses to reach back into the node, mainly container log reads.
package callback

import (
	"fmt"
	"io"
	"net/http"

	"github.com/convox/logger"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stackable/agent/pkg/structs"
	"github.com/stackable/agent/pkg/systemd"
)

var upgrader = &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// LogReader streams journal output for a unit. Implemented by
// systemd.JournalReader.
type LogReader interface {
	Read(unit string, follow bool) (io.ReadCloser, error)
}

type Server struct {
	Addr     string
	CertFile string
	KeyFile  string
	Features structs.Features
	Logs     LogReader

	logger *logger.Logger
	router *mux.Router
}

func New(addr, certFile, keyFile string, features structs.Features, logs LogReader) *Server {
	s := &Server{
		Addr:     addr,
		CertFile: certFile,
		KeyFile:  keyFile,
		Features: features,
		Logs:     logs,
		logger:   logger.New("ns=callback"),
	}

	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health).Methods("GET")
	r.HandleFunc("/containerLogs/{namespace}/{pod}/{container}", s.containerLogs).Methods("GET")
	r.HandleFunc("/exec/{namespace}/{pod}/{container}", s.unsupported)
	r.HandleFunc("/attach/{namespace}/{pod}/{container}", s.unsupported)

	s.router = r

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Listen() error {
	log := s.logger.At("Listen").Namespace("addr=%s", s.Addr)

	log.Logf("start")

	return log.Error(http.ListenAndServeTLS(s.Addr, s.CertFile, s.KeyFile, s.router))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) unsupported(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not supported", http.StatusNotImplemented)
}

func (s *Server) containerLogs(w http.ResponseWriter, r *http.Request) {
	log := s.logger.At("containerLogs")

	if !s.Features.Logs {
		http.Error(w, "journal reads not supported by this service manager", http.StatusNotImplemented)
		return
	}

	vars := mux.Vars(r)

	unit := systemd.UnitName(vars["namespace"], vars["pod"], vars["container"])
	follow := r.URL.Query().Get("follow") == "true"

	rc, err := s.Logs.Read(unit, follow)
	if err != nil {
		log.Error(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if websocket.IsWebSocketUpgrade(r) {
		s.streamSocket(w, r, rc)
		return
	}

	w.Header().Set("Content-Type", "text/plain")

	if f, ok := w.(http.Flusher); ok && follow {
		buf := make([]byte, 4096)

		for {
			n, err := rc.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
				f.Flush()
			}
			if err != nil {
				return
			}
		}
	}

	io.Copy(w, rc)
}

func (s *Server) streamSocket(w http.ResponseWriter, r *http.Request, rc io.Reader) {
	log := s.logger.At("streamSocket")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(err)
		return
	}
	defer ws.Close()

	buf := make([]byte, 4096)

	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if err := ws.WriteMessage(websocket.TextMessage, buf[:n]); err != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Error(err)
			}
			return
		}
	}
}

// String renders the bound endpoint for registration logs.
func (s *Server) String() string {
	return fmt.Sprintf("https://%s", s.Addr)
}
