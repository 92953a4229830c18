package consul

import (
	"fmt"
	"net"
	"strconv"
	"time"

	placer "github.com/adammck/placer/pkg/api"
	"github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Discovery registers this node as an instance of a consul service, with a
// gRPC health check, and lists the other instances.
type Discovery struct {
	svcName string
	addrPub string
	ident   string
	consul  *api.Client
	srv     *grpc.Server
	hs      *health.Server
}

// getIdent derives a node ident from its public address, for when none is
// configured.
func getIdent(addr string) (string, error) {
	host, sPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	nPort, err := strconv.Atoi(sPort)
	if err != nil {
		return "", err
	}

	if host == "" || host == "localhost" || host == "127.0.0.1" {
		return fmt.Sprintf("%d", nPort), nil
	}

	return fmt.Sprintf("%s:%d", host, nPort), nil
}

// New returns a Discovery which registers the health service on srv. If ident
// is empty, one is derived from addrPub.
func New(serviceName, ident, addrPub string, client *api.Client, srv *grpc.Server) (*Discovery, error) {
	if ident == "" {
		var err error
		ident, err = getIdent(addrPub)
		if err != nil {
			return nil, errors.Wrapf(err, "error deriving ident from %q", addrPub)
		}
	}

	d := &Discovery{
		svcName: serviceName,
		addrPub: addrPub,
		ident:   ident,
		consul:  client,
		srv:     srv,
		hs:      health.NewServer(),
	}

	d.hs.SetServingStatus("", hv1.HealthCheckResponse_SERVING)
	hv1.RegisterHealthServer(d.srv, d.hs)

	return d, nil
}

// Ident is the service ID which this node registers as, which is also its
// NodeID.
func (d *Discovery) Ident() placer.NodeID {
	return placer.NodeID(d.ident)
}

func (d *Discovery) Start() error {
	host, sPort, err := net.SplitHostPort(d.addrPub)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(sPort)
	if err != nil {
		return err
	}

	def := &api.AgentServiceRegistration{
		Name:    d.svcName,
		ID:      d.ident,
		Address: host,
		Port:    port,

		Check: &api.AgentServiceCheck{
			GRPC: d.addrPub,

			// How long to wait between checks.
			Interval: (3 * time.Second).String(),

			// How long to wait for a response before giving up.
			Timeout: (1 * time.Second).String(),

			// How long to wait after a service becomes critical (i.e. starts
			// returning error, unhealthy responses, or timing out) before
			// removing it from service discovery. Might actually take longer
			// than this because of Consul implementation.
			DeregisterCriticalServiceAfter: (10 * time.Second).String(),
		},
	}

	return d.consul.Agent().ServiceRegister(def)
}

func (d *Discovery) Stop() error {
	d.hs.SetServingStatus("", hv1.HealthCheckResponse_NOT_SERVING)
	return d.consul.Agent().ServiceDeregister(d.ident)
}

// Get returns every passing instance of the named service.
func (d *Discovery) Get(name string) ([]placer.Remote, error) {
	res, _, err := d.consul.Health().Service(name, "", true, &api.QueryOptions{})
	if err != nil {
		return []placer.Remote{}, err
	}

	output := make([]placer.Remote, len(res))
	for i, r := range res {
		host := r.Service.Address
		if host == "" {
			host = r.Node.Address // https://github.com/hashicorp/consul/issues/2076
		}

		output[i] = placer.Remote{
			Ident: r.Service.ID,
			Host:  host,
			Port:  r.Service.Port,
		}
	}

	return output, nil
}
