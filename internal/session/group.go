package session

import (
	"context"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashterm/ashcore/internal/logutil"
	"github.com/ashterm/ashcore/internal/transport"
)

// Group is an ordered set of saved connection descriptors the user opens in
// one action. Membership expresses explicit intent to open that many
// terminals, so duplicates are legitimate and never merged.
type Group struct {
	Name        string       `yaml:"name" json:"name"`
	Connections []GroupEntry `yaml:"connections" json:"connections"`
}

// GroupEntry is one descriptor in a group, with optional per-entry extras.
type GroupEntry struct {
	Name        string               `yaml:"name,omitempty" json:"name,omitempty"`
	Descriptor  transport.Descriptor `yaml:",inline" json:"descriptor"`
	PostConnect []PostConnectCommand `yaml:"post_connect,omitempty" json:"post_connect,omitempty"`
}

// GroupResult reports the outcome for one entry of a group connect.
type GroupResult struct {
	Entry     GroupEntry
	SessionID string
	Err       error
}

// SinkProvider supplies a fresh terminal sink for each session the group
// connector opens; the presentation layer backs it with a new tab.
type SinkProvider interface {
	SinkFor(entry GroupEntry) transport.Sink
}

// SinkProviderFunc adapts a function to SinkProvider.
type SinkProviderFunc func(entry GroupEntry) transport.Sink

func (f SinkProviderFunc) SinkFor(entry GroupEntry) transport.Sink { return f(entry) }

// GroupConnector opens one session per group entry. It performs no
// deduplication against existing sessions, and a failed entry never aborts
// the remaining ones; each failure is reported in its own result.
type GroupConnector struct {
	registry *Registry
	sinks    SinkProvider
}

// NewGroupConnector creates a group connector over the registry.
func NewGroupConnector(registry *Registry, sinks SinkProvider) *GroupConnector {
	return &GroupConnector{registry: registry, sinks: sinks}
}

// Connect opens every entry of the group in order and returns one result
// per entry.
func (g *GroupConnector) Connect(ctx context.Context, group Group) []GroupResult {
	results := make([]GroupResult, 0, len(group.Connections))
	for _, entry := range group.Connections {
		var sink transport.Sink
		if g.sinks != nil {
			sink = g.sinks.SinkFor(entry)
		}
		s, err := g.registry.CreateSession(ctx, entry.Descriptor, sink, CreateOptions{
			Name:        entry.Name,
			PostConnect: entry.PostConnect,
		})
		res := GroupResult{Entry: entry, Err: err}
		if err == nil {
			res.SessionID = s.ID
		} else {
			log.Printf("[group] %s: entry %s failed: %v",
				logutil.SanitizeForLog(group.Name), logutil.SanitizeForLog(entry.Descriptor.Label()), err)
		}
		results = append(results, res)
	}
	return results
}

// LoadGroups reads saved connection groups from a YAML file. A missing file
// is an empty group list, not an error.
func LoadGroups(path string) ([]Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read groups file: %w", err)
	}

	var doc struct {
		Groups []Group `yaml:"groups"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse groups file: %w", err)
	}
	return doc.Groups, nil
}

// FindGroup returns the named group from a loaded list.
func FindGroup(groups []Group, name string) (Group, bool) {
	for _, g := range groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}
