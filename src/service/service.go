// Package service exposes the node's client surface over HTTP.
package service

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/ledgermesh/ledgermesh/src/node"
	"github.com/sirupsen/logrus"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process
// is simultaneously using the DefaultServerMux. In which case, the handlers
// will be accessible from both servers. This is useful when ledgermesh is
// used in-memory and expected to use the same endpoint (address:port) as the
// application's API.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering ledgermesh API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/ledger", s.makeHandler(s.GetLedger))
	http.HandleFunc("/entry/", s.makeHandler(s.GetEntry))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	http.HandleFunc("/submit", s.makeHandler(s.Submit))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary
// to call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination, since the API
// handlers were registered when the service was instantiated.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving ledgermesh API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.Stats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetLedger returns the full chain.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.Ledger().Snapshot())
}

// GetEntry returns a single entry by id.
func (s *Service) GetEntry(w http.ResponseWriter, r *http.Request) {
	entryID := r.URL.Path[len("/entry/"):]

	entry, ok := s.node.Ledger().GetEntry(entryID)
	if !ok {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(entry)
}

// GetPeers returns the handshake state of every known peer.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	peers := make(map[string]string)
	for id, state := range s.node.Peers() {
		peers[id] = state.String()
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(peers)
}

// Submit appends a new entry from the POSTed body and gossips it.
func (s *Service) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.WithError(err).Error("Reading submit body")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !json.Valid(body) {
		http.Error(w, "body must be valid JSON", http.StatusBadRequest)
		return
	}

	entry, err := s.node.Submit(body)
	if err != nil {
		s.logger.WithError(err).Error("Submitting entry")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(entry)
}
