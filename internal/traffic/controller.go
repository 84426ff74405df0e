// Package traffic is the boundary to the serving mesh's control plane.
// The concrete mesh/gateway API is an external collaborator; this package
// only requires that weights are integers in [0, 100] and that the match
// condition selects traffic tagged for one experiment, so untagged
// production traffic is unaffected.
package traffic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelops/canary/internal/api"
)

// Weights are the integer route weights for one experiment. Baseline and
// candidate are rounded independently from the traffic split and may not
// sum to exactly 100; they are never normalized.
type Weights struct {
	Baseline  int `json:"baseline"`
	Candidate int `json:"candidate"`
}

// RouteSpec describes one weighted route on the mesh.
type RouteSpec struct {
	ServiceHost string  `json:"service_host"`
	Experiment  string  `json:"experiment"`
	Weights     Weights `json:"weights"`
	MatchHeader string  `json:"match_header"` // header whose value must equal the experiment id
}

// Controller applies and removes weighted routing rules on the serving
// mesh.
type Controller interface {
	// ApplyWeightedRoute installs a weighted split for traffic tagged with
	// the experiment id.
	ApplyWeightedRoute(ctx context.Context, spec RouteSpec) error

	// RestoreFullBaseline removes the split and returns 100% of traffic to
	// the baseline subset.
	RestoreFullBaseline(ctx context.Context, serviceHost string) error
}

// GatewayController talks to a mesh admin API over HTTP. The route body is
// shaped like an Istio VirtualService http rule: a header match on the
// experiment tag plus two weighted destinations.
type GatewayController struct {
	baseURL string
	client  *http.Client
}

// NewGatewayController creates a controller against the given admin base
// URL (e.g. "http://mesh-admin:15000").
func NewGatewayController(baseURL string) *GatewayController {
	return &GatewayController{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type routeRule struct {
	Host  string     `json:"host"`
	Match matchRule  `json:"match"`
	Route []weighted `json:"route"`
}

type matchRule struct {
	Header string `json:"header"`
	Exact  string `json:"exact"`
}

type weighted struct {
	Subset string `json:"subset"`
	Weight int    `json:"weight"`
}

func (g *GatewayController) ApplyWeightedRoute(ctx context.Context, spec RouteSpec) error {
	rule := routeRule{
		Host:  spec.ServiceHost,
		Match: matchRule{Header: spec.MatchHeader, Exact: spec.Experiment},
		Route: []weighted{
			{Subset: string(api.ArmBaseline), Weight: spec.Weights.Baseline},
			{Subset: string(api.ArmCandidate), Weight: spec.Weights.Candidate},
		},
	}

	body, err := json.Marshal(rule)
	if err != nil {
		return &api.ControlPlaneError{Op: "apply", Host: spec.ServiceHost, Err: err}
	}

	url := fmt.Sprintf("%s/v1/routes/%s", g.baseURL, spec.ServiceHost)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return &api.ControlPlaneError{Op: "apply", Host: spec.ServiceHost, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	if err := g.do(req); err != nil {
		return &api.ControlPlaneError{Op: "apply", Host: spec.ServiceHost, Err: err}
	}
	return nil
}

func (g *GatewayController) RestoreFullBaseline(ctx context.Context, serviceHost string) error {
	url := fmt.Sprintf("%s/v1/routes/%s", g.baseURL, serviceHost)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return &api.ControlPlaneError{Op: "restore", Host: serviceHost, Err: err}
	}

	if err := g.do(req); err != nil {
		return &api.ControlPlaneError{Op: "restore", Host: serviceHost, Err: err}
	}
	return nil
}

func (g *GatewayController) do(req *http.Request) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("admin API returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
