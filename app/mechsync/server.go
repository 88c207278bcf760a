package mechsync

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valory-xyz/mechsync/pkg/mech"
	"github.com/valory-xyz/mechsync/pkg/syncer"
	"go.uber.org/zap"
)

type eventsResponse struct {
	Sender    string                `json:"sender"`
	EventType string                `json:"eventType"`
	Count     int                   `json:"count"`
	Events    map[string]mech.Event `json:"events"`
}

type contractStatus struct {
	syncer.ContractResult
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	Sender    string           `json:"sender"`
	EventType string           `json:"eventType"`
	StartedAt string           `json:"startedAt"`
	Duration  string           `json:"duration"`
	Events    int              `json:"events"`
	Contracts []contractStatus `json:"contracts"`
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	a.Server = &http.Server{Addr: a.Config().Addr, Handler: a.NewRouter()}
	a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
}

// NewRouter returns the routes served in scheduled mode.
func (a *App) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Ready(r.Context()) {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/v1/senders/{sender}/events", a.HandleEvents).Methods("GET")
	r.HandleFunc("/v1/status", a.HandleStatus).Methods("GET")

	return r
}

// HandleEvents returns the aggregated events of the sender's last sync.
func (a *App) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sender := mux.Vars(r)["sender"]
	if !common.IsHexAddress(sender) {
		writeError(w, http.StatusBadRequest, "invalid sender address")
		return
	}
	report, ok := a.Reports.Load(common.HexToAddress(sender).Hex())
	if !ok {
		writeError(w, http.StatusNotFound, "sender not synchronized")
		return
	}
	events := report.Events
	if events == nil {
		events = map[string]mech.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Sender:    report.Sender,
		EventType: report.EventType,
		Count:     len(events),
		Events:    events,
	})
}

// HandleStatus lists the outcome of every contract in each cached report.
func (a *App) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	out := make([]statusResponse, 0, a.Reports.Size())
	a.Reports.Range(func(_ string, report syncer.Report) bool {
		st := statusResponse{
			Sender:    report.Sender,
			EventType: report.EventType,
			StartedAt: report.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Duration:  report.Duration.String(),
			Events:    len(report.Events),
		}
		for _, c := range report.Contracts {
			st.Contracts = append(st.Contracts, contractStatus{ContractResult: c, Error: c.Failure()})
		}
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Sender < out[j].Sender })
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
