package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/sarchlab/telerouter/bufpool"
	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/monitoring/web"
	"github.com/sarchlab/telerouter/router"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// HostInjector pushes packets into the master as if the host had sent them.
type HostInjector interface {
	Inject(h comm.Header, payload []byte) error
}

// Monitor serves the state of a set of routers over HTTP and lets an
// operator poke them.
type Monitor struct {
	routers    []*router.Router
	host       HostInjector
	portNumber int
	log        zerolog.Logger

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{log: zerolog.Nop()}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger of the monitor.
func (m *Monitor) WithLogger(logger zerolog.Logger) *Monitor {
	m.log = logger.With().Str("component", "monitor").Logger()
	return m
}

// RegisterRouter registers a router to be monitored.
func (m *Monitor) RegisterRouter(r *router.Router) {
	m.routers = append(m.routers, r)
}

// RegisterHost sets where injected host packets go.
func (m *Monitor) RegisterHost(h HostInjector) {
	m.host = h
}

// Handler returns the HTTP routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/list_routers", m.listRouters).Methods(http.MethodGet)
	r.HandleFunc("/api/router/{name}", m.routerDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/field/{json}", m.listFieldValue).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", m.listStats).Methods(http.MethodGet)
	r.HandleFunc("/api/pools", m.listPools).Methods(http.MethodGet)
	r.HandleFunc("/api/dispatch", m.listDispatch).Methods(http.MethodGet)
	r.HandleFunc("/api/services/{name}", m.listServices).Methods(http.MethodGet)
	r.HandleFunc("/api/energy/{name}/{service}", m.requestEnergy).
		Methods(http.MethodPost)
	r.HandleFunc("/api/period/{name}/{service}", m.setPeriod).
		Methods(http.MethodPost)
	r.HandleFunc("/api/inject", m.inject).Methods(http.MethodPost)
	r.HandleFunc("/api/shutdown", m.shutdown).Methods(http.MethodPost)
	r.HandleFunc("/api/resume", m.resume).Methods(http.MethodPost)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.log.Info().Str("url", url).Msg("monitoring routers")

	go func() {
		err := m.server.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			dieOnErr(err)
		}
	}()

	return url
}

// Close stops the web server.
func (m *Monitor) Close(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) listRouters(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.routers))
	for _, r := range m.routers {
		names = append(names, r.Name())
	}

	writeJSON(w, names)
}

func (m *Monitor) routerDetails(w http.ResponseWriter, r *http.Request) {
	rt := m.findRouterOr404(w, mux.Vars(r)["name"])
	if rt == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(rt)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rt := m.findRouterOr404(w, req.CompName)
	if rt == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(rt)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

type routerStats struct {
	Name          string               `json:"name"`
	ID            comm.ProcessorID     `json:"id"`
	Master        bool                 `json:"master"`
	MasterRunning bool                 `json:"master_running"`
	Registration  string               `json:"registration"`
	Stats         router.StatsSnapshot `json:"stats"`
}

func (m *Monitor) listStats(w http.ResponseWriter, _ *http.Request) {
	rsp := make([]routerStats, 0, len(m.routers))

	for _, r := range m.routers {
		rsp = append(rsp, routerStats{
			Name:          r.Name(),
			ID:            r.ID(),
			Master:        r.IsMaster(),
			MasterRunning: r.MasterRunning(),
			Registration:  r.RegistrationState().String(),
			Stats:         r.Stats(),
		})
	}

	writeJSON(w, rsp)
}

type poolRsp struct {
	Pool  string `json:"pool"`
	Level int    `json:"level"`
	Cap   int    `json:"cap"`
}

func (m *Monitor) listPools(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := m.poolsParseParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	pools := m.sortAndSelectPools(sortMethod, limit, offset)

	rsp := make([]poolRsp, 0, len(pools))
	for _, p := range pools {
		rsp = append(rsp, poolRsp{
			Pool:  p.Name(),
			Level: poolLevel(p),
			Cap:   p.Capacity(),
		})
	}

	writeJSON(w, rsp)
}

func (*Monitor) poolsParseParams(
	r *http.Request,
) (sort string, limit, offset int, err error) {
	sortMethod := r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "percent"
	}

	if sortMethod != "level" && sortMethod != "percent" {
		return "", 0, 0, fmt.Errorf(
			"invalid sort method: %s. Allowed values are `level` and `percent`",
			sortMethod)
	}

	limit, err = intParam(r, "limit")
	if err != nil {
		return sortMethod, 0, 0, err
	}

	offset, err = intParam(r, "offset")
	if err != nil {
		return sortMethod, limit, 0, err
	}

	if limit < 0 || offset < 0 {
		return sortMethod, 0, 0, errors.New("limit and offset must not be negative")
	}

	return sortMethod, limit, offset, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}

	return strconv.Atoi(s)
}

// poolLevel is the number of buffers currently held outside the pool.
func poolLevel(p *bufpool.Pool) int {
	return p.Capacity() - p.Free()
}

func poolPercent(p *bufpool.Pool) float64 {
	return float64(poolLevel(p)) / float64(p.Capacity())
}

func (m *Monitor) sortAndSelectPools(
	sortMethod string,
	limit, offset int,
) []*bufpool.Pool {
	var pools []*bufpool.Pool
	for _, r := range m.routers {
		pools = append(pools, r.Pools()...)
	}

	byLevel := func(i, j int) bool {
		li, lj := poolLevel(pools[i]), poolLevel(pools[j])
		if li != lj {
			return li > lj
		}

		return poolPercent(pools[i]) > poolPercent(pools[j])
	}

	byPercent := func(i, j int) bool {
		pi, pj := poolPercent(pools[i]), poolPercent(pools[j])
		if pi != pj {
			return pi > pj
		}

		return poolLevel(pools[i]) > poolLevel(pools[j])
	}

	if sortMethod == "level" {
		sort.SliceStable(pools, byLevel)
	} else {
		sort.SliceStable(pools, byPercent)
	}

	if offset > len(pools) {
		offset = len(pools)
	}

	end := len(pools)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return pools[offset:end]
}

func (m *Monitor) listDispatch(w http.ResponseWriter, _ *http.Request) {
	master := m.master()
	if master == nil {
		http.Error(w, "no master registered", http.StatusNotFound)
		return
	}

	writeJSON(w, master.Table().Snapshot())
}

func (m *Monitor) listServices(w http.ResponseWriter, r *http.Request) {
	rt := m.findRouterOr404(w, mux.Vars(r)["name"])
	if rt == nil {
		return
	}

	writeJSON(w, rt.Services().Snapshot())
}

func (m *Monitor) requestEnergy(w http.ResponseWriter, r *http.Request) {
	rt, id, ok := m.routerAndService(w, r)
	if !ok {
		return
	}

	if err := rt.RequestEnergy(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (m *Monitor) setPeriod(w http.ResponseWriter, r *http.Request) {
	rt, id, ok := m.routerAndService(w, r)
	if !ok {
		return
	}

	period, err := time.ParseDuration(r.URL.Query().Get("period"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := rt.SetPeriod(id, period); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) routerAndService(
	w http.ResponseWriter,
	r *http.Request,
) (*router.Router, comm.ServiceID, bool) {
	vars := mux.Vars(r)

	rt := m.findRouterOr404(w, vars["name"])
	if rt == nil {
		return nil, 0, false
	}

	id, err := strconv.ParseUint(vars["service"], 10, 16)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, 0, false
	}

	return rt, comm.ServiceID(id), true
}

// InjectReq is the body of /api/inject. Payload is base64 encoded in JSON.
type InjectReq struct {
	Kind    string `json:"kind"`
	Dst     int32  `json:"dst"`
	Service uint16 `json:"service"`
	Payload []byte `json:"payload"`
}

func (m *Monitor) inject(w http.ResponseWriter, r *http.Request) {
	if m.host == nil {
		http.Error(w, "no host registered", http.StatusNotFound)
		return
	}

	req := InjectReq{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind := comm.KindEvent
	switch req.Kind {
	case "", "event":
	case "control":
		kind = comm.KindControl
	default:
		http.Error(w, "unknown kind "+req.Kind, http.StatusBadRequest)
		return
	}

	err := m.host.Inject(comm.Header{
		Kind:    kind,
		Dst:     comm.ProcessorID(req.Dst),
		Service: comm.ServiceID(req.Service),
	}, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (m *Monitor) shutdown(w http.ResponseWriter, _ *http.Request) {
	m.onMaster(w, (*router.Router).Shutdown)
}

func (m *Monitor) resume(w http.ResponseWriter, _ *http.Request) {
	m.onMaster(w, (*router.Router).Resume)
}

func (m *Monitor) onMaster(
	w http.ResponseWriter,
	f func(*router.Router) error,
) {
	master := m.master()
	if master == nil {
		http.Error(w, "no master registered", http.StatusNotFound)
		return
	}

	if err := f(master); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) master() *router.Router {
	for _, r := range m.routers {
		if r.IsMaster() {
			return r
		}
	}

	return nil
}

func (m *Monitor) findRouterOr404(
	w http.ResponseWriter,
	name string,
) *router.Router {
	for _, r := range m.routers {
		if r.Name() == name {
			return r
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Router not found"))
	dieOnErr(err)

	return nil
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
