package domain

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/catalog"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/config"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
)

// BuildRegistries whitelists, per configured domain, the tools named in its config. Every named
// tool must exist in tools.
func BuildRegistries(rc *config.RoutingConfig, tools map[string]catalog.Tool) (map[string]*catalog.Registry, error) {
	out := make(map[string]*catalog.Registry, len(rc.Domains))
	for _, d := range rc.Domains {
		reg := catalog.NewRegistry(d.Name)
		for _, name := range d.Tools {
			t, ok := tools[name]
			if !ok {
				return nil, fmt.Errorf("domain %s: %w: %s", d.Name, catalog.ErrToolNotFound, name)
			}
			reg.Register(t)
		}
		if err := reg.SetFallback(d.FallbackTool); err != nil {
			return nil, fmt.Errorf("domain %s: %w", d.Name, err)
		}
		out[d.Name] = reg
	}
	return out, nil
}

var regionWords = map[string]string{
	"us": "US", "usa": "US", "america": "US", "american": "US",
	"uk": "GB", "britain": "GB", "british": "GB", "england": "GB",
	"canada": "CA", "canadian": "CA",
	"germany": "DE", "german": "DE",
	"france": "FR", "french": "FR",
	"japan": "JP", "japanese": "JP",
	"australia": "AU",
}

// regionOf picks a region code out of the question, or "".
func regionOf(question string) string {
	for _, tok := range strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if code, ok := regionWords[tok]; ok {
			return code
		}
	}
	return ""
}

// argsFor builds the typed tool arguments from the validated entity and the question.
func argsFor(st *state.RequestState) catalog.ToolArgs {
	args := catalog.ToolArgs{
		Query:  st.Question,
		Region: regionOf(st.Question),
	}
	if e := st.Validation.Entity; st.Validation.Status == state.ValidationResolved && e != nil {
		args.EntityID = e.ID
		args.EntityName = e.Name
	}
	return args
}
