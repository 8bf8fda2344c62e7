// Package dispatch implements §4.4's InlineDispatcher (the slash-command
// registry and parser) and §4.5's QueryRouter (the inline/oracle/worker
// classifier that decides where an inbound message goes).
package dispatch

import (
	"context"
	"fmt"
	"regexp"
)

// Category groups commands for /help and for the admin-scoping rule: an
// admin-category command that isn't ReadOnly is rejected outside the main
// group.
type Category string

const (
	CategoryGeneral Category = "general"
	CategorySession Category = "session"
	CategoryCost    Category = "cost"
	CategoryAdmin   Category = "admin"
)

// ResultKind discriminates DispatchResult's variants.
type ResultKind string

const (
	ResultText         ResultKind = "text"
	ResultClearSession ResultKind = "clear-session"
)

// DispatchResult is what a command handler produces: a reply, optionally
// tagged with a structured action the caller must additionally perform
// (e.g. clearing session state).
type DispatchResult struct {
	Kind  ResultKind
	Reply string
}

func textResult(reply string) (DispatchResult, error) {
	return DispatchResult{Kind: ResultText, Reply: reply}, nil
}

// Handler implements one command. args is everything after the command
// name, unparsed; chatJID/groupFolder identify the calling context.
type Handler func(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error)

// commandSpec is one row of the static registry (§4.4).
type commandSpec struct {
	Name            string
	Description     string
	Category        Category
	ReadOnly        bool
	HelpDescription string
	Handler         Handler
}

var commandNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// registry is the ordered, validated command table. Order matters only for
// /help's listing; dispatch itself is a map lookup.
type registry struct {
	order []string
	byName map[string]commandSpec
}

func newRegistry(specs []commandSpec) (*registry, error) {
	r := &registry{byName: make(map[string]commandSpec, len(specs))}
	for _, spec := range specs {
		if !commandNamePattern.MatchString(spec.Name) {
			return nil, fmt.Errorf("dispatch: invalid command name %q", spec.Name)
		}
		if spec.Description == "" {
			return nil, fmt.Errorf("dispatch: command %q has no description", spec.Name)
		}
		if _, dup := r.byName[spec.Name]; dup {
			return nil, fmt.Errorf("dispatch: duplicate command %q", spec.Name)
		}
		r.byName[spec.Name] = spec
		r.order = append(r.order, spec.Name)
	}
	return r, nil
}

func (r *registry) lookup(name string) (commandSpec, bool) {
	spec, ok := r.byName[name]
	return spec, ok
}
