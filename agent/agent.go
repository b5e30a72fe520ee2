package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-connections/sockets"
	inet "github.com/guseggert/procpool/internal/net"
	"github.com/guseggert/procpool/worker"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	psprocess "github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DefaultSocketName is the control socket file name used when no address is given.
const DefaultSocketName = "procpool.sock"

// Pools is the part of a worker.Manager the agent exposes.
type Pools interface {
	Status() []worker.PoolStatus
	Reload(name string) error
	Terminate(name string) error
	Guard(name string, index int) error
	SendCommand(cmd worker.Command, name string, indices ...int) error
	Events() (<-chan worker.Event, func())
}

// Agent serves the control API of a set of pools over HTTP, on a unix socket or a TCP address.
type Agent struct {
	logger *zap.SugaredLogger
	pools  Pools

	gatherer prometheus.Gatherer

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	mut        sync.Mutex
	httpServer *http.Server
	listener   net.Listener

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

// WithHeartbeatTimeout enables the heartbeat check: when no heartbeat arrives for d, the failure handler runs.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

// WithListenAddr sets the address to listen on, see internal/net.ParseAddr for the accepted forms.
func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithGatherer sets the metrics served on /metrics. Defaults to prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *Agent) {
		a.gatherer = g
	}
}

// NewAgent constructs a new control agent for pools.
func NewAgent(pools Pools, opts ...Option) *Agent {
	a := &Agent{
		logger:     zap.NewNop().Sugar(),
		pools:      pools,
		gatherer:   prometheus.DefaultGatherer,
		listenAddr: "unix://" + DefaultSocketName,
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Listen opens the agent's listener. Unix sockets are created with mode 0600, replacing any stale socket file.
func Listen(addr string) (net.Listener, error) {
	network, address, err := inet.ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		l, err := sockets.NewUnixSocketWithOpts(address, sockets.WithChmod(0o600))
		if err != nil {
			return nil, fmt.Errorf("listening on unix socket %s: %w", address, err)
		}
		return l, nil
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return l, nil
}

// startHeartbeatCheck starts a goroutine that runs the failure handler when heartbeats stop arriving.
func (a *Agent) startHeartbeatCheck() {
	if a.heartbeatTimeout <= 0 {
		return
	}
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(a.heartbeatTimeout / 10)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Warnw("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
				return
			}
		}
	}()
}

// Handler returns the agent's HTTP routes.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/workers", a.status)
	router.POST("/workers/:name/reload", a.reload)
	router.POST("/workers/:name/terminate", a.terminate)
	router.POST("/workers/:name/guard/:index", a.guard)
	router.POST("/workers/:name/command", a.command)
	router.GET("/events", a.events)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return router
}

// Serve serves the control API on l until Stop is called.
func (a *Agent) Serve(l net.Listener) error {
	server := &http.Server{Handler: a.Handler()}
	a.mut.Lock()
	a.httpServer = server
	a.listener = l
	a.mut.Unlock()

	a.startHeartbeatCheck()
	a.logger.Infow("serving control API", "Addr", l.Addr().String())

	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run listens on the configured address and serves the control API, returning once the agent has stopped.
func (a *Agent) Run() error {
	l, err := Listen(a.listenAddr)
	if err != nil {
		return err
	}
	return a.Serve(l)
}

// Addr returns the address the agent is listening on, or nil before it serves.
func (a *Agent) Addr() net.Addr {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Agent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.mut.Lock()
	server := a.httpServer
	a.mut.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *Agent) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, worker.ErrUnknownWorker) {
		code = http.StatusNotFound
	}
	a.logger.Debugw("request failed", "Code", code, "Error", err)
	http.Error(w, err.Error(), code)
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	a.writeJSON(w, HeartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
}

// ReplicaStats are resource usage figures of a live replica process.
type ReplicaStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSS        uint64  `json:"rss"`
}

// WorkerStatus is a pool's status along with the resource usage of its live replicas, keyed by index.
type WorkerStatus struct {
	worker.PoolStatus
	Stats map[int]ReplicaStats `json:"stats,omitempty"`
}

func (a *Agent) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pools := a.pools.Status()
	out := make([]WorkerStatus, 0, len(pools))
	for _, p := range pools {
		ws := WorkerStatus{PoolStatus: p}
		for _, s := range p.Slots {
			if s.PID == 0 {
				continue
			}
			stats, err := replicaStats(r.Context(), s.PID)
			if err != nil {
				a.logger.Debugw("unable to read replica stats", "Worker", p.Name, "Index", s.Index, "PID", s.PID, "Error", err)
				continue
			}
			if ws.Stats == nil {
				ws.Stats = map[int]ReplicaStats{}
			}
			ws.Stats[s.Index] = stats
		}
		out = append(out, ws)
	}
	a.writeJSON(w, out)
}

func replicaStats(ctx context.Context, pid int) (ReplicaStats, error) {
	proc, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ReplicaStats{}, err
	}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return ReplicaStats{}, fmt.Errorf("reading CPU usage: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ReplicaStats{}, fmt.Errorf("reading memory usage: %w", err)
	}
	return ReplicaStats{CPUPercent: cpu, RSS: mem.RSS}, nil
}

func (a *Agent) reload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := a.pools.Reload(params.ByName("name")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) terminate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := a.pools.Terminate(params.ByName("name")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) guard(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	index, err := strconv.Atoi(params.ByName("index"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid index: %s", err), http.StatusBadRequest)
		return
	}
	if err := a.pools.Guard(params.ByName("name"), index); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) command(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var cmd worker.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if cmd.Name == "" {
		http.Error(w, "request contained no command name", http.StatusBadRequest)
		return
	}
	var indices []int
	for _, s := range r.URL.Query()["index"] {
		i, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid index %q: %s", s, err), http.StatusBadRequest)
			return
		}
		indices = append(indices, i)
	}
	if err := a.pools.SendCommand(cmd, params.ByName("name"), indices...); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// events streams slot state transitions as JSON WebSocket messages until either side goes away.
func (a *Agent) events(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	defer wsConn.Close(websocket.StatusInternalError, "")

	events, unsubscribe := a.pools.Events()
	defer unsubscribe()

	// the client never sends anything, CloseRead reads until it closes
	ctx := wsConn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			wsConn.Close(websocket.StatusGoingAway, "agent stopping")
			return
		case e, ok := <-events:
			if !ok {
				wsConn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, wsConn, e); err != nil {
				a.logger.Debugf("error writing event: %s", err)
				return
			}
		}
	}
}
