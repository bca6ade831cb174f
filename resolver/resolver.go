// Package resolver implements the group resolver (C4): turning a Group name
// into a priority-ordered list of candidate repositories to try in order.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package resolver

import (
	"context"

	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
)

// Resolver turns a request target (a single repository or a group) into the
// ordered candidate list the cache engine walks (spec §4.4).
type Resolver struct {
	store meta.Store
}

func New(store meta.Store) *Resolver {
	return &Resolver{store: store}
}

// Candidate is one repository to try, in the order the cache engine should
// attempt it.
type Candidate struct {
	Repository meta.Repository
	Priority   int
}

// Candidates resolves name to its ordered candidate list. If name identifies
// a single (hosted or proxy) repository, the result is that one repository.
// If name identifies a Group, the result is its members ordered by
// (priority asc, repository-name asc), optionally restricted by filter.
func (r *Resolver) Candidates(ctx context.Context, name string, filter *meta.MemberFilter) ([]Candidate, error) {
	if repo, err := r.store.GetRepositoryByName(ctx, name); err == nil {
		if filter != nil && filter.Type != "" && repo.Type != filter.Type {
			return nil, cmn.NewNotFoundError("repository " + name + " does not match requested type")
		}
		return []Candidate{{Repository: *repo, Priority: 0}}, nil
	} else if !cmn.IsNotFound(err) {
		return nil, err
	}

	group, err := r.store.GetGroupByName(ctx, name)
	if err != nil {
		return nil, err
	}
	members, err := r.store.GroupMembers(ctx, group.ID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(members))
	for _, m := range members {
		out = append(out, Candidate{Repository: m.Repository, Priority: m.Priority})
	}
	return out, nil
}
