package sweeper

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/naming"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/supervisor"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// discover lists host resources that follow the naming convention, grouped
// by experiment tag. A nil want matches every tag. Each source is queried
// independently; a failing source does not hide the others.
func (s *Sweeper) discover(ctx context.Context, want map[string]bool) (map[string][]model.ResourceRecord, error) {
	found := make(map[string][]model.ResourceRecord)
	var errs *multierror.Error
	add := func(tag string, rec model.ResourceRecord) {
		if want != nil && !want[tag] {
			return
		}
		rec.Tag = tag
		found[tag] = append(found[tag], rec)
	}

	links, err := s.driver.ListLinks()
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("list links: %w", err))
	}
	sort.Strings(links)
	for _, name := range links {
		tag, ok := naming.InterfaceTag(name)
		if !ok {
			continue
		}
		kind := model.KindInterface
		if name[len(naming.Prefix)] == byte(naming.RoleBridge) {
			kind = model.KindBridge
		}
		add(tag, model.ResourceRecord{Kind: kind, Name: name})
	}

	namespaces, err := s.driver.ListNamespaces()
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("list namespaces: %w", err))
	}
	sort.Strings(namespaces)
	for _, name := range namespaces {
		if tag, ok := naming.NamespaceTag(name); ok {
			add(tag, model.ResourceRecord{Kind: model.KindNamespace, Name: name})
		}
	}

	if s.firewall != nil {
		rules, err := s.firewall.Discover()
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, r := range rules {
			add(r.Tag, model.ResourceRecord{Kind: model.KindFirewallRule, Name: r.Bridge})
		}
	}

	if s.containers {
		containers, err := supervisor.ListContainers(ctx, s.execer, naming.LabelTag)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, c := range containers {
			if _, ok := naming.NamespaceTag(c.Name); ok && c.Label != "" {
				add(c.Label, model.ResourceRecord{Kind: model.KindContainer, Name: c.Name})
			}
		}
	}
	return found, errs.ErrorOrNil()
}
