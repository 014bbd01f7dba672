package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Expansion guards. Real-world expressions are shallow; anything past these
// limits is treated as malformed input rather than expanded.
const (
	maxExpansionDepth = 16
	maxCombinations   = 4096
)

// Configuration is a platform-applicability expression: a boolean tree over
// component/version match leaves. Operator "AND" combines its nodes into
// cartesian products; "OR" (or absent) treats them as alternatives.
type Configuration struct {
	Operator string `json:"operator,omitempty"`
	Negate   bool   `json:"negate,omitempty"`
	Nodes    []Node `json:"nodes"`
}

// Node is one branch of the expression. Leaves live in CPEMatch; nested
// sub-expressions (rare, but allowed by the format) live in Children.
type Node struct {
	Operator string     `json:"operator"`
	Negate   bool       `json:"negate,omitempty"`
	CPEMatch []CPEMatch `json:"cpeMatch,omitempty"`
	Children []Node     `json:"nodes,omitempty"`
}

// CPEMatch is a leaf: one component identifier plus a version range.
type CPEMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Criteria              string `json:"criteria"`
	MatchCriteriaID       string `json:"matchCriteriaId,omitempty"`
	VersionStartIncluding string `json:"versionStartIncluding,omitempty"`
	VersionStartExcluding string `json:"versionStartExcluding,omitempty"`
	VersionEndIncluding   string `json:"versionEndIncluding,omitempty"`
	VersionEndExcluding   string `json:"versionEndExcluding,omitempty"`
}

func (m CPEMatch) identity() string {
	if m.MatchCriteriaID != "" {
		return m.MatchCriteriaID
	}
	return strings.Join([]string{
		m.Criteria,
		m.VersionStartIncluding, m.VersionStartExcluding,
		m.VersionEndIncluding, m.VersionEndExcluding,
	}, "|")
}

// CriteriaTuple is one concrete combination of leaves satisfying the
// expression, linked to the owning vulnerability record by its external key.
type CriteriaTuple struct {
	VulnKey string     `json:"vuln_key"`
	Matches []CPEMatch `json:"matches"`
}

// Signature canonically identifies the tuple regardless of member order.
// (vuln_key, signature) is the dedup key of the criteria table.
func (t CriteriaTuple) Signature() string {
	ids := make([]string, len(t.Matches))
	for i, m := range t.Matches {
		ids[i] = m.identity()
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:12])
}

// ExpandConfiguration enumerates the concrete tuples that satisfy cfg.
// AND branches intersect (cartesian product), OR branches union. Identical
// tuples within the record collapse to one. Depth and combination counts
// are bounded; exceeding either returns an ExpansionError and no tuples.
func ExpandConfiguration(vulnKey string, cfg Configuration) ([]CriteriaTuple, error) {
	node := Node{Operator: cfg.Operator, Negate: cfg.Negate, Children: cfg.Nodes}
	combos, err := expandNode(vulnKey, node, 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(combos))
	tuples := make([]CriteriaTuple, 0, len(combos))
	for _, combo := range combos {
		if len(combo) == 0 {
			continue
		}
		t := CriteriaTuple{VulnKey: vulnKey, Matches: combo}
		sig := t.Signature()
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		tuples = append(tuples, t)
	}
	return tuples, nil
}

func expandNode(vulnKey string, n Node, depth int) ([][]CPEMatch, error) {
	if depth > maxExpansionDepth {
		return nil, &ExpansionError{Key: vulnKey, Reason: "expression nested too deep"}
	}

	// Each child branch and the leaf group resolve to their own combination
	// sets first; the node operator decides how those sets merge.
	var parts [][][]CPEMatch
	if len(n.CPEMatch) > 0 {
		leaves := make([][]CPEMatch, len(n.CPEMatch))
		for i, m := range n.CPEMatch {
			leaves[i] = []CPEMatch{m}
		}
		parts = append(parts, leaves)
	}
	for _, child := range n.Children {
		sub, err := expandNode(vulnKey, child, depth+1)
		if err != nil {
			return nil, err
		}
		if len(sub) > 0 {
			parts = append(parts, sub)
		}
	}

	if len(parts) == 0 {
		return nil, nil
	}

	if strings.EqualFold(n.Operator, "AND") {
		return cartesian(vulnKey, parts)
	}

	// OR (or unspecified): alternatives union.
	var out [][]CPEMatch
	for _, p := range parts {
		out = append(out, p...)
		if len(out) > maxCombinations {
			return nil, &ExpansionError{Key: vulnKey, Reason: "expression expands beyond combination limit"}
		}
	}
	return out, nil
}

// cartesian crosses the combination sets of sibling AND branches, appending
// one pick from each set per result.
func cartesian(vulnKey string, sets [][][]CPEMatch) ([][]CPEMatch, error) {
	result := [][]CPEMatch{{}}
	for _, set := range sets {
		if len(result)*len(set) > maxCombinations {
			return nil, &ExpansionError{Key: vulnKey, Reason: "expression expands beyond combination limit"}
		}
		next := make([][]CPEMatch, 0, len(result)*len(set))
		for _, prefix := range result {
			for _, pick := range set {
				combo := make([]CPEMatch, 0, len(prefix)+len(pick))
				combo = append(combo, prefix...)
				combo = append(combo, pick...)
				next = append(next, combo)
			}
		}
		result = next
	}
	return result, nil
}
