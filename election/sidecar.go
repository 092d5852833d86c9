package election

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

// SidecarConfig configures a sidecar elector.
type SidecarConfig struct {
	// Addr is the address of the election sidecar.
	Addr string

	// Hostname is the name of this process as known to the sidecar.
	Hostname string

	// PodListURL is the url of the pod list used to resolve the leader
	// address. If empty, the leader name is reported as its host.
	PodListURL string

	// Backoff is the wait between failed sidecar queries.
	Backoff time.Duration

	Client *http.Client
	Logger log.Logger
}

// NewSidecarConfig returns a default sidecar configuration for the
// sidecar listening on the given local port.
func NewSidecarConfig(port int) SidecarConfig {
	host, _ := os.Hostname()

	return SidecarConfig{
		Addr:     "localhost:" + strconv.Itoa(port),
		Hostname: host,
		Backoff:  time.Second,
	}
}

// Sidecar is an elector backed by an election sidecar.
type Sidecar struct {
	url      string
	hostname string
	backoff  time.Duration
	client   *http.Client
	pods     *PodResolver

	log log.Logger
}

// NewSidecar returns a sidecar elector.
func NewSidecar(cfg SidecarConfig) *Sidecar {
	if cfg.Client == nil {
		cfg.Client = cleanhttp.DefaultPooledClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	var pods *PodResolver
	if cfg.PodListURL != "" {
		pods = NewPodResolver(cfg.Client, cfg.PodListURL)
	}

	return &Sidecar{
		url:      "http://" + cfg.Addr + "/",
		hostname: cfg.Hostname,
		backoff:  cfg.Backoff,
		client:   cfg.Client,
		pods:     pods,
		log:      cfg.Logger,
	}
}

// CurrentLeader returns the current leadership, retrying until the sidecar
// answers or the context is done.
func (s *Sidecar) CurrentLeader(ctx context.Context) (Leadership, error) {
	for {
		name, err := s.leaderName(ctx)
		if err == nil {
			return Leadership{
				IsLeader:   name == s.hostname,
				LeaderHost: s.leaderHost(ctx, name),
			}, nil
		}

		s.log.Error("election: error querying election sidecar", "url", s.url, "error", err)

		select {
		case <-ctx.Done():
			return Leadership{}, ctx.Err()
		case <-time.After(s.backoff):
		}
	}
}

func (s *Sidecar) leaderName(ctx context.Context) (string, error) {
	var resp struct {
		Name string `json:"name"`
	}
	if err := getJSON(ctx, s.client, s.url, &resp); err != nil {
		return "", err
	}
	if resp.Name == "" {
		return "", errors.New("election: sidecar returned no leader")
	}
	return resp.Name, nil
}

func (s *Sidecar) leaderHost(ctx context.Context, name string) string {
	if s.pods == nil {
		return name
	}

	ip, err := s.pods.Resolve(ctx, name)
	if err != nil {
		s.log.Error("election: error resolving leader address", "leader", name, "error", err)
		return name
	}
	return ip
}

// PodResolver resolves pod names to their ip from a pod list.
type PodResolver struct {
	client *http.Client
	url    string
}

// NewPodResolver returns a pod resolver.
func NewPodResolver(client *http.Client, url string) *PodResolver {
	return &PodResolver{
		client: client,
		url:    url,
	}
}

type podList struct {
	Items []struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Status struct {
			PodIP string `json:"podIP"`
		} `json:"status"`
	} `json:"items"`
}

// Resolve returns the ip of the named pod.
func (r *PodResolver) Resolve(ctx context.Context, name string) (string, error) {
	var list podList
	if err := getJSON(ctx, r.client, r.url, &list); err != nil {
		return "", err
	}

	for _, pod := range list.Items {
		if pod.Metadata.Name == name && pod.Status.PodIP != "" {
			return pod.Status.PodIP, nil
		}
	}
	return "", errors.Errorf("election: pod %q not found", name)
}

func getJSON(ctx context.Context, client *http.Client, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "election: error creating request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "election: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("election: unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "election: error decoding response")
	}
	return nil
}
