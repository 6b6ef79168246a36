// Package fleet holds the repository identity model and the runner
// naming convention that maps identities to compute-backend resource
// names. The convention must be injective: every runner name decodes
// back to exactly one (owner, repo) pair.
package fleet

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// NamePrefix is the fixed prefix every runner resource name carries.
const NamePrefix = "runner-"

// nameSeparator joins owner and repository inside a runner name.
//
// GitHub owner logins consist of alphanumerics and single hyphens and
// may not begin or end with a hyphen, so an owner can never contain
// "--". Splitting on the first "--" after the prefix is therefore
// unambiguous, regardless of how many hyphens the repository name has.
const nameSeparator = "--"

var (
	ownerPattern = regexp.MustCompile(`^[a-zA-Z0-9]+(-[a-zA-Z0-9]+)*$`)
	repoPattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// Repo identifies a single repository. The zero value is not valid.
type Repo struct {
	Owner string
	Name  string
}

// Full returns the "owner/name" form used by the GitHub API.
func (r Repo) Full() string {
	return r.Owner + "/" + r.Name
}

func (r Repo) String() string {
	return r.Full()
}

// URL returns the repository's web URL, used as the runner
// registration target.
func (r Repo) URL() string {
	return "https://github.com/" + r.Full()
}

// Validate reports whether the identity fits the alphabet the naming
// convention supports. Owners with consecutive hyphens would make
// decoding ambiguous and are rejected here, at discovery time, rather
// than risked at decode time.
func (r Repo) Validate() error {
	if !ownerPattern.MatchString(r.Owner) {
		return fmt.Errorf("owner %q is not a valid GitHub login", r.Owner)
	}
	if !repoPattern.MatchString(r.Name) {
		return fmt.Errorf("repository name %q contains unsupported characters", r.Name)
	}
	if strings.Contains(r.Name, nameSeparator) {
		return fmt.Errorf("repository name %q contains the reserved separator %q", r.Name, nameSeparator)
	}
	return nil
}

// EncodeRunnerName returns the runner resource name for repo, e.g.
// "runner-octo-org--widget-factory". Identities that fail Validate
// cannot be encoded.
func EncodeRunnerName(repo Repo) (string, error) {
	if err := repo.Validate(); err != nil {
		return "", fmt.Errorf("encode runner name: %w", err)
	}
	return NamePrefix + repo.Owner + nameSeparator + repo.Name, nil
}

// DecodeRunnerName parses a runner resource name back into the
// identity it encodes. Names without the prefix or separator do not
// belong to this fleet and yield an error; callers skip them.
func DecodeRunnerName(name string) (Repo, error) {
	rest, ok := strings.CutPrefix(name, NamePrefix)
	if !ok {
		return Repo{}, fmt.Errorf("runner name %q lacks prefix %q", name, NamePrefix)
	}
	owner, repo, ok := strings.Cut(rest, nameSeparator)
	if !ok {
		return Repo{}, fmt.Errorf("runner name %q lacks separator %q", name, nameSeparator)
	}
	r := Repo{Owner: owner, Name: repo}
	if err := r.Validate(); err != nil {
		return Repo{}, fmt.Errorf("runner name %q: %w", name, err)
	}
	return r, nil
}

// Set is an unordered collection of repository identities.
type Set map[Repo]struct{}

// NewSet builds a Set from repos.
func NewSet(repos ...Repo) Set {
	s := make(Set, len(repos))
	for _, r := range repos {
		s[r] = struct{}{}
	}
	return s
}

// Contains reports membership.
func (s Set) Contains(r Repo) bool {
	_, ok := s[r]
	return ok
}

// Sorted returns the members in deterministic owner/name order.
func (s Set) Sorted() []Repo {
	out := make([]Repo, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Repo) int {
		return strings.Compare(a.Full(), b.Full())
	})
	return out
}

// Diff computes the reconciliation delta between what is running and
// what should be running. Members of both sets appear in neither
// result: an already-correct runner is never restarted. Results are
// sorted for deterministic processing and logging.
func Diff(current, desired Set) (toStop, toStart []Repo) {
	for r := range current {
		if !desired.Contains(r) {
			toStop = append(toStop, r)
		}
	}
	for r := range desired {
		if !current.Contains(r) {
			toStart = append(toStart, r)
		}
	}
	byFullName := func(a, b Repo) int { return strings.Compare(a.Full(), b.Full()) }
	slices.SortFunc(toStop, byFullName)
	slices.SortFunc(toStart, byFullName)
	return toStop, toStart
}
