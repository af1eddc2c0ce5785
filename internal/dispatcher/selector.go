package dispatcher

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/konduit-run/konduit/internal/domain"
	konerrors "github.com/konduit-run/konduit/internal/pkg/errors"
)

// SelectArm reduces previousOutput to a string and picks the first arm
// whose MatchValue equals it, falling back to FallbackArm when no arm
// matches. Returns ErrNoBranchMatched when neither an arm nor a
// fallback applies — the caller fails the execution in that case
// rather than materializing anything.
//
// Reduction rule: a string output is used as-is; bool/number are
// stringified; objects and arrays reduce to their canonical JSON text
// (lossy for match purposes, but deterministic); nil has no reduction
// and is treated as "no match" unless a fallback exists.
func SelectArm(branch domain.ElementDefinition, previousOutput interface{}) (*domain.BranchArm, string, error) {
	if branch.Type != domain.StepBranch {
		return nil, "", fmt.Errorf("element is not a BRANCH")
	}

	key, reducible := reduceToString(previousOutput)
	if reducible {
		for i := range branch.Arms {
			arm := &branch.Arms[i]
			if arm.MatchValue != nil && *arm.MatchValue == key {
				return arm, key, nil
			}
		}
	}
	if branch.FallbackArm != nil {
		return branch.FallbackArm, FallbackKey, nil
	}
	return nil, key, konerrors.ErrNoBranchMatched
}

// FallbackKey tags tasks dispatched from a branch's fallback arm, since
// BranchArm.FallbackArm carries no MatchValue of its own.
const FallbackKey = "__fallback__"

func reduceToString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		// Structured outputs reduce to their canonical JSON text. Values
		// JSON cannot represent (channels, funcs) stay unreducible.
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
