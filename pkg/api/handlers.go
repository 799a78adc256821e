package api

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/InetIntel/dynamic-telescope/pkg/aggregate"
	"github.com/InetIntel/dynamic-telescope/pkg/index"
	"github.com/InetIntel/dynamic-telescope/pkg/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Stats()
	resp := StatusResponse{
		Uptime:           time.Since(s.startTime).Truncate(time.Second).String(),
		Dataplane:        s.ctrl.DataPlane().Name(),
		Addresses:        st.Addresses,
		DarkBlocks:       st.DarkBlocks,
		Fresh:            st.Tracker.Fresh,
		Decaying:         st.Tracker.Decaying,
		Inactive:         st.Tracker.Inactive,
		PendingWrites:    st.Tracker.Pending,
		Ticks:            st.Tracker.Ticks,
		IncompleteTicks:  st.IncompleteTicks,
		LastTickDuration: st.Tracker.LastTick.String(),
		Interval:         st.Interval.String(),
		Alpha:            s.ctrl.Tracker().Alpha(),
	}
	if !st.LastTickAt.IsZero() {
		resp.LastTick = st.LastTickAt.Format(time.RFC3339)
	}
	writeOK(w, resp)
}

// inactiveHandler returns the aggregated inactive prefixes, optionally
// scoped with ?prefix= and expanded to addresses with ?expand=true.
func (s *Server) inactiveHandler(w http.ResponseWriter, r *http.Request) {
	var scope *netip.Prefix
	resp := InactiveResponse{Prefixes: []string{}}
	if q := r.URL.Query().Get("prefix"); q != "" {
		p, err := aggregate.ParseScope(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid prefix: "+err.Error())
			return
		}
		scope = &p
		resp.Prefix = p.String()
	}

	pfxs := s.ctrl.Tracker().InactivePrefixes(scope)
	for _, p := range pfxs {
		resp.Prefixes = append(resp.Prefixes, p.String())
		resp.Count += uint64(1) << (32 - p.Bits())
	}
	if expand, _ := strconv.ParseBool(r.URL.Query().Get("expand")); expand {
		for _, a := range aggregate.Expand(pfxs) {
			resp.Addresses = append(resp.Addresses, a.String())
		}
	}
	writeOK(w, resp)
}

func (s *Server) addressHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(r.PathValue("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address: "+err.Error())
		return
	}
	space := s.ctrl.Space()
	i, ok := space.Lookup(addr)
	if !ok {
		writeError(w, http.StatusNotFound, addr.String()+" is not monitored")
		return
	}
	tr := s.ctrl.Tracker()
	c := tr.Counter(i)
	info := AddressInfo{
		Address:    addr.String(),
		Index:      i,
		Counter:    c,
		State:      tr.StateOf(c).String(),
		DarkPrefix: index.DarkKey(addr).String(),
	}
	for _, b := range space.Blocks() {
		if b.Contains(i) {
			info.Block = b.Prefix.String()
			break
		}
	}
	info.DarkIndex, _ = space.DarkIndex(index.DarkKey(addr))
	writeOK(w, info)
}

func (s *Server) blocksHandler(w http.ResponseWriter, _ *http.Request) {
	blocks := s.ctrl.Space().Blocks()
	out := make([]BlockInfo, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, BlockInfo{
			Prefix:        b.Prefix.String(),
			BaseIndex:     b.BaseIndex,
			Count:         b.Count,
			DarkBaseIndex: b.DarkBaseIndex,
			DarkCount:     b.DarkCount,
		})
	}
	writeOK(w, out)
}

func (s *Server) ratesHandler(w http.ResponseWriter, _ *http.Request) {
	alloc := s.ctrl.Allocator()
	budget := alloc.Budget()
	inactive := s.ctrl.InactiveBlocks()
	space := s.ctrl.Space()

	resp := RatesResponse{
		MaxPacketRate: budget.MaxPacketRate,
		AvgPacketRate: budget.AvgPacketRate,
		MaxByteRate:   budget.MaxByteRate,
		AvgByteRate:   budget.AvgByteRate,
		Burst:         budget.Burst,
		Blocks:        make([]RateEntry, 0, space.DarkLen()),
	}
	for i := uint32(0); i < space.DarkLen(); i++ {
		p := space.DarkPrefix(i)
		r := alloc.Rate(i)
		resp.Blocks = append(resp.Blocks, RateEntry{
			Prefix:         p.String(),
			DarkIndex:      i,
			Inactive:       inactive[p],
			CommittedRate:  r.CommittedRate,
			PeakRate:       r.PeakRate,
			CommittedBurst: r.CommittedBurst,
			PeakBurst:      r.PeakBurst,
		})
	}
	writeOK(w, resp)
}

// eventsHandler returns recent events, newest first. Supports ?limit=,
// ?type= and ?prefix= filters.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := queryInt(r, "limit", 50)
	recs := s.eventBuf.LatestFiltered(limit, filter)
	out := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, eventEntryFromRecord(rec))
	}
	writeOK(w, out)
}

func parseEventFilter(r *http.Request) (logging.EventFilter, error) {
	f := logging.EventFilter{Type: r.URL.Query().Get("type")}
	if q := r.URL.Query().Get("prefix"); q != "" {
		p, err := aggregate.ParseScope(q)
		if err != nil {
			return f, err
		}
		f.Prefix = p
	}
	return f, nil
}

func (s *Server) configHandler(w http.ResponseWriter, _ *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	writeOK(w, s.cfg)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	e := EventEntry{
		Seq:     rec.Seq,
		Time:    rec.Time.Format(time.RFC3339),
		Type:    rec.Type,
		Index:   rec.Index,
		Packets: rec.Count,
	}
	if rec.Addr.IsValid() {
		e.Address = rec.Addr.String()
	}
	if rec.Prefix.IsValid() {
		e.Prefix = rec.Prefix.String()
	}
	return e
}
