package routes

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/okikorg/okik/pkg/service"
)

// Route is one entry of a compiled route table.
type Route struct {
	Path    string              `json:"path"`
	Method  string              `json:"method"`
	Service string              `json:"service"`
	Handler string              `json:"handler"`
	Params  []service.Parameter `json:"params"`
	Returns service.ParamKind   `json:"returns"`

	// Definition and Endpoint link back to the registry for dispatch.
	Definition *service.ServiceDefinition `json:"-"`
	Endpoint   *service.EndpointDefinition `json:"-"`
}

func newRoute(svc *service.ServiceDefinition, ep *service.EndpointDefinition) Route {
	params := ep.Params.Params
	if params == nil {
		params = []service.Parameter{}
	}
	return Route{
		Path:       ep.Path(svc.Name),
		Method:     ep.HTTPMethod,
		Service:    svc.Name,
		Handler:    ep.Ref(),
		Params:     params,
		Returns:    ep.Returns.Kind,
		Definition: svc,
		Endpoint:   ep,
	}
}

// Table is an immutable, ordered route table. A new Table is produced on
// every compilation; tables are never edited in place.
type Table struct {
	Routes   []Route  `json:"routes"`
	Warnings []string `json:"warnings,omitempty"`

	services []*service.ServiceDefinition
}

// Services returns the services the table was compiled from, in
// registration order, including services without routes.
func (t *Table) Services() []*service.ServiceDefinition {
	return t.services
}

// Lookup finds the route for method and path.
func (t *Table) Lookup(method, path string) (Route, bool) {
	for _, r := range t.Routes {
		if r.Method == method && r.Path == path {
			return r, true
		}
	}
	return Route{}, false
}

// MarshalJSON renders the table deterministically. Nil slices are emitted
// as empty arrays.
func (t *Table) MarshalJSON() ([]byte, error) {
	type plain Table
	cp := plain(*t)
	if cp.Routes == nil {
		cp.Routes = []Route{}
	}
	return json.Marshal(cp)
}

// Render writes the human readable route listing.
func (t *Table) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tPATH\tHANDLER\tPARAMS")
	for _, r := range t.Routes {
		params := make([]string, 0, len(r.Params))
		for _, p := range r.Params {
			s := p.Name + ":" + string(p.Kind)
			if !p.Required {
				s += "?"
			}
			params = append(params, s)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Method, r.Path, r.Handler, strings.Join(params, ", "))
	}
	for _, warn := range t.Warnings {
		fmt.Fprintf(tw, "# warning: %s\n", warn)
	}
	return tw.Flush()
}
