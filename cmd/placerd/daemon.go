package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/adammck/placer/pkg/actuator"
	"github.com/adammck/placer/pkg/actuator/rpc"
	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/chash"
	"github.com/adammck/placer/pkg/config"
	"github.com/adammck/placer/pkg/coordinator"
	"github.com/adammck/placer/pkg/discovery"
	"github.com/adammck/placer/pkg/features"
	"github.com/adammck/placer/pkg/learner"
	"github.com/adammck/placer/pkg/lookup"
	"github.com/adammck/placer/pkg/metrics"
	"github.com/adammck/placer/pkg/roster"
	"github.com/adammck/placer/pkg/round"
	"github.com/adammck/placer/pkg/stats"
	"github.com/adammck/placer/pkg/transport"
	"github.com/jonboulle/clockwork"
	"github.com/lthibault/jitterbug"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	consuldisc "github.com/adammck/placer/pkg/discovery/consul"
	consulpers "github.com/adammck/placer/pkg/persister/consul"
	consulapi "github.com/hashicorp/consul/api"
)

// How often the roster refreshes the member list from discovery.
const rosterInterval = time.Second

type Options struct {
	AddrLis     string
	AddrPub     string
	Ident       string
	ServiceName string
	MetricsAddr string
}

type Daemon struct {
	cfg  config.Config
	opts Options
	log  logrus.FieldLogger

	srv   *grpc.Server
	web   *http.Server
	disc  discovery.Discoverable
	rost  *roster.Roster
	act   *actuator.Actuator
	coord *coordinator.Coordinator
}

func New(cfg config.Config, opts Options, log logrus.FieldLogger) (*Daemon, error) {
	srv := grpc.NewServer()

	// Register reflection service, so client can introspect (for debugging).
	reflection.Register(srv)

	client, err := consulapi.NewClient(consulapi.DefaultConfig())
	if err != nil {
		return nil, err
	}

	disc, err := consuldisc.New(opts.ServiceName, opts.Ident, opts.AddrPub, client, srv)
	if err != nil {
		return nil, err
	}

	self := disc.Ident()
	log = log.WithField("node", self)
	clock := clockwork.NewRealClock()

	// The last round ID is loaded from storage, so this will fail if Consul
	// isn't available.
	pers := consulpers.New(client, opts.ServiceName+"/round")
	rounds, err := round.New(cfg.Enabled, cfg.CoolDown(), clock, pers, log)
	if err != nil {
		return nil, err
	}

	// Until the roster has ticked, this node is the only one it knows about.
	router := chash.NewPlacement(chash.NewRing([]api.NodeID{self}, cfg.VirtualNodes))
	rost := roster.New(self, opts.ServiceName, disc, router, cfg.VirtualNodes, cfg.NodeExpireDuration, clock, log)
	t := transport.NewGRPC(rost, log)

	model, err := features.New(cfg.FeatureModel)
	if err != nil {
		return nil, err
	}

	lrn, err := learner.New(cfg.RulesLearner, cfg.RulesLearnerPath)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	act := actuator.New(rpc.New(t), clock, cfg.ActuatorBackoff, log)

	coord := coordinator.New(coordinator.Params{
		Self:        self,
		View:        rost,
		Transport:   t,
		Rounds:      rounds,
		Router:      router,
		Stats:       stats.New(cfg.TopKCapacity),
		Builder:     lookup.NewFactory(lrn, model, cfg.BloomFalsePositiveRate, cfg.WorkDir, log),
		Actuator:    act,
		MinTopKFill: cfg.MinTopKFill,
		Replication: cfg.Replication,
		Metrics:     metrics.New(reg),
		Log:         log,
	})

	// The actuator sends to every member, including this one.
	t.SetLocal(self, coord)

	transport.Register(srv, coord)
	transport.RegisterRouter(srv, coord)

	var web *http.Server
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		web = &http.Server{Addr: opts.MetricsAddr, Handler: mux}
	}

	return &Daemon{
		cfg:   cfg,
		opts:  opts,
		log:   log,
		srv:   srv,
		web:   web,
		disc:  disc,
		rost:  rost,
		act:   act,
		coord: coord,
	}, nil
}

func (d *Daemon) Run(ctx context.Context) error {

	// For the gRPC server.
	lis, err := net.Listen("tcp", d.opts.AddrLis)
	if err != nil {
		return err
	}

	d.log.Infof("listening on: %s", d.opts.AddrLis)

	// Start the gRPC server in a background routine.
	errChan := make(chan error)
	go func() {
		err := d.srv.Serve(lis)
		if err != nil {
			errChan <- err
		}
		close(errChan)
	}()

	if d.web != nil {
		go func() {
			err := d.web.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Errorf("error serving metrics: %v", err)
			}
		}()
	}

	err = d.disc.Start()
	if err != nil {
		return err
	}

	// Wait a bit for other nodes to come up before starting. This makes
	// development easier by minimizing log spam, and is no big deal in prod.
	time.Sleep(1 * time.Second)

	// One blocking tick, so the first round (if any) sees the other nodes.
	_, err = d.rost.Tick(ctx)
	if err != nil {
		d.log.Warnf("error fetching members: %v", err)
	}

	go d.rost.Run(ctx, rosterInterval)

	d.coord.Start()

	if d.cfg.RoundInterval > 0 {
		go d.requestLoop(ctx, d.cfg.RoundInterval)
	}

	// Block until context is cancelled, indicating that caller wants
	// shutdown.
	<-ctx.Done()

	// Let in-flight builds and migration triggers finish.
	d.coord.Stop()
	d.act.Wait()

	if d.web != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.web.Shutdown(sctx); err != nil {
			d.log.Warnf("error stopping metrics server: %v", err)
		}
	}

	// Let in-flight incoming RPCs finish and then stop. errChan will contain
	// the error returned by srv.Serve (above) or be closed with no error.
	d.srv.GracefulStop()
	err = <-errChan
	if err != nil {
		d.log.Errorf("error from srv.Serve: %v", err)
		return err
	}

	d.rost.Close()

	// Remove ourselves from service discovery. Not strictly necessary, but lets
	// the other nodes respond quicker.
	return d.disc.Stop()
}

// requestLoop asks for a new round every interval or so. Every node does this,
// not just the coordinator, so rounds keep happening when the coordinator
// changes. Most requests are rejected by the cool down, which is fine.
func (d *Daemon) requestLoop(ctx context.Context, interval time.Duration) {
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := d.coord.RequestRound(ctx)
		if err == nil {
			continue
		}

		if quiet(err) {
			d.log.Debugf("round not started: %v", err)
		} else {
			d.log.Warnf("error requesting round: %v", err)
		}
	}
}

// quiet returns true if the error is an expected rejection, whether it came
// from this node or was forwarded from the coordinator.
func quiet(err error) bool {
	if errors.Is(err, round.ErrTooSoon) || errors.Is(err, round.ErrInProgress) || errors.Is(err, round.ErrNotEnabled) {
		return true
	}

	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Aborted, codes.FailedPrecondition:
		return true
	}

	return false
}
