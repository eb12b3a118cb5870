// Package label parses and formats the hostname grammar that the reverse
// proxy uses to resolve an inbound request to a container.
package label

import (
	"fmt"
	"strings"
)

// Kind discriminates the five label shapes defined by the grammar.
type Kind int

const (
	Prod Kind = iota
	ProdDB
	Deployment
	DeploymentInsert
	BranchDB
)

func (k Kind) String() string {
	switch k {
	case Prod:
		return "prod"
	case ProdDB:
		return "prod-db"
	case Deployment:
		return "deployment"
	case DeploymentInsert:
		return "deployment-insert"
	case BranchDB:
		return "branch-db"
	default:
		return "unknown"
	}
}

// Label is a parsed hostname label: project[--deployment[-libsql|-insert]].
type Label struct {
	Kind       Kind
	Project    string
	Deployment string // set for Deployment, DeploymentInsert, BranchDB
}

// Format renders a label back into its hostname form under boxDomain.
func (l Label) Format(boxDomain string) string {
	switch l.Kind {
	case Prod:
		return fmt.Sprintf("%s.%s", l.Project, boxDomain)
	case ProdDB:
		return fmt.Sprintf("%s--libsql.%s", l.Project, boxDomain)
	case Deployment:
		return fmt.Sprintf("%s--%s.%s", l.Project, l.Deployment, boxDomain)
	case DeploymentInsert:
		return fmt.Sprintf("%s--%s-insert.%s", l.Project, l.Deployment, boxDomain)
	case BranchDB:
		return fmt.Sprintf("%s--%s-libsql.%s", l.Project, l.Deployment, boxDomain)
	default:
		return ""
	}
}

// InsertEnabled reports whether this label grants write access to a branch DB.
func (l Label) InsertEnabled() bool {
	return l.Kind == DeploymentInsert
}

// Strip parses hostname against boxDomain, returning the label it encodes.
// It returns an error if hostname does not end in boxDomain, or if what
// remains after stripping the domain contains more than one dot-separated
// component (i.e. is not a single label).
func Strip(hostname, boxDomain string) (Label, error) {
	withoutDomain, ok := strings.CutSuffix(hostname, boxDomain)
	if !ok {
		return Label{}, fmt.Errorf("invalid hostname not ending with the box domain")
	}
	labelPart, ok := strings.CutSuffix(withoutDomain, ".")
	if !ok {
		return Label{}, fmt.Errorf("invalid hostname not ending with the box domain")
	}
	if strings.Contains(labelPart, ".") {
		return Label{}, fmt.Errorf("invalid label, more dots than expected")
	}
	return parse(labelPart)
}

func parse(l string) (Label, error) {
	parts := strings.Split(l, "--")
	switch len(parts) {
	case 1:
		return Label{Kind: Prod, Project: parts[0]}, nil
	case 2:
		project, sub := parts[0], parts[1]
		subParts := strings.Split(sub, "-")
		switch {
		case len(subParts) == 1 && subParts[0] == "libsql":
			return Label{Kind: ProdDB, Project: project}, nil
		case len(subParts) == 1:
			return Label{Kind: Deployment, Project: project, Deployment: subParts[0]}, nil
		case len(subParts) == 2 && subParts[1] == "insert":
			return Label{Kind: DeploymentInsert, Project: project, Deployment: subParts[0]}, nil
		case len(subParts) == 2 && subParts[1] == "libsql":
			return Label{Kind: BranchDB, Project: project, Deployment: subParts[0]}, nil
		default:
			return Label{}, fmt.Errorf("invalid label")
		}
	default:
		return Label{}, fmt.Errorf("invalid label")
	}
}
