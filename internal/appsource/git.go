// Package appsource resolves the `application.source` an operator
// declared (git repo, container image, or placeholder) into the concrete
// artifact the remote command layer's checkout/deploy step pulls onto
// the VM, and probes whatever sidecar database the application expects
// once that step has run. git.go wires an optional-token go-github
// client to resolve a ref to a commit SHA and tarball URL.
package appsource

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"
)

// GitSource resolves one git-hosted application's deploy artifact.
type GitSource struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitSource builds a GitSource for "owner/repo", authenticating with
// token when present (needed for private repositories) and falling back
// to an unauthenticated client otherwise.
func NewGitSource(token, repoSlug string) (*GitSource, error) {
	owner, repo, ok := strings.Cut(repoSlug, "/")
	if !ok {
		return nil, fmt.Errorf("application.git.repo %q is not in owner/repo form", repoSlug)
	}

	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		tc := oauth2.NewClient(context.Background(), ts)
		client = github.NewClient(tc)
	} else {
		client = github.NewClient(nil)
	}

	return &GitSource{client: client, owner: owner, repo: repo}, nil
}

// ResolvedRef is what the Remote Command Library's checkout step needs:
// a concrete commit SHA (never a moving branch name) and the tarball URL
// to fetch it from.
type ResolvedRef struct {
	SHA        string
	TarballURL string
}

// Resolve turns a possibly-empty ref (branch, tag, or SHA; empty means
// the repository's default branch) into a concrete commit and download
// URL.
func (g *GitSource) Resolve(ctx context.Context, ref string) (*ResolvedRef, error) {
	if ref == "" {
		repoInfo, _, err := g.client.Repositories.Get(ctx, g.owner, g.repo)
		if err != nil {
			return nil, fmt.Errorf("getting repository %s/%s: %w", g.owner, g.repo, err)
		}
		ref = repoInfo.GetDefaultBranch()
	}

	commit, _, err := g.client.Repositories.GetCommit(ctx, g.owner, g.repo, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("resolving ref %q on %s/%s: %w", ref, g.owner, g.repo, err)
	}

	url, _, err := g.client.Repositories.GetArchiveLink(ctx, g.owner, g.repo, github.Tarball, &github.RepositoryContentGetOptions{Ref: commit.GetSHA()}, 3)
	if err != nil {
		return nil, fmt.Errorf("getting tarball link for %s@%s: %w", g.repo, commit.GetSHA(), err)
	}

	return &ResolvedRef{SHA: commit.GetSHA(), TarballURL: url.String()}, nil
}
