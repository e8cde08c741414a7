// Package expr implements the edge condition language used to gate pipeline edges.
//
// A condition is a single clause or a compound of clauses joined by a literal
// " AND " or " OR ". Clauses are matched against the source node's output:
//
//	contains:X    case-insensitive substring
//	not:X         negated case-insensitive substring
//	regex:X       case-insensitive regular expression (invalid patterns never match)
//	startsWith:X  case-insensitive prefix
//	endsWith:X    case-insensitive suffix
//	equals:X      exact match against the trimmed output
//	length>N      rune length comparison, operators > < >= <= == !=
//
// Any other clause falls back to a case-insensitive substring check. When a
// condition contains both separators, " AND " wins and each AND-clause is
// evaluated as a single clause.
package expr

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	andSeparator = " AND "
	orSeparator  = " OR "
)

var lengthClause = regexp.MustCompile(`^length\s*(>=|<=|==|!=|>|<)\s*(\d+)$`)

// Options control evaluator behaviour.
type Options struct {
	// MaxCachedPatterns bounds the compiled regex cache. Zero means 256.
	MaxCachedPatterns int
}

// Evaluator evaluates edge conditions against upstream outputs. It is safe for
// concurrent use; compiled regex clauses are cached.
type Evaluator struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
	maxCache int
}

// NewEvaluator constructs an Evaluator applying sane defaults.
func NewEvaluator(opts Options) *Evaluator {
	maxCache := opts.MaxCachedPatterns
	if maxCache <= 0 {
		maxCache = 256
	}
	return &Evaluator{
		patterns: make(map[string]*regexp.Regexp),
		maxCache: maxCache,
	}
}

var defaultEvaluator = NewEvaluator(Options{})

// Evaluate reports whether condition holds for output using a shared evaluator.
func Evaluate(condition, output string) bool {
	return defaultEvaluator.Evaluate(condition, output)
}

// Evaluate reports whether condition holds for output. A blank condition is
// always true. Evaluation never fails; malformed clauses are simply false.
func (e *Evaluator) Evaluate(condition, output string) bool {
	if strings.TrimSpace(condition) == "" {
		return true
	}

	if strings.Contains(condition, andSeparator) {
		for _, clause := range strings.Split(condition, andSeparator) {
			if !e.evaluateClause(clause, output) {
				return false
			}
		}
		return true
	}

	if strings.Contains(condition, orSeparator) {
		for _, clause := range strings.Split(condition, orSeparator) {
			if e.evaluateClause(clause, output) {
				return true
			}
		}
		return false
	}

	return e.evaluateClause(condition, output)
}

func (e *Evaluator) evaluateClause(clause, output string) bool {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return true
	}
	lowerOutput := strings.ToLower(output)

	if value, ok := cutPrefixFold(clause, "contains:"); ok {
		return strings.Contains(lowerOutput, strings.ToLower(value))
	}
	if value, ok := cutPrefixFold(clause, "not:"); ok {
		return !strings.Contains(lowerOutput, strings.ToLower(value))
	}
	if value, ok := cutPrefixFold(clause, "regex:"); ok {
		re := e.compile(value)
		if re == nil {
			return false
		}
		return re.MatchString(output)
	}
	if value, ok := cutPrefixFold(clause, "startsWith:"); ok {
		return strings.HasPrefix(lowerOutput, strings.ToLower(value))
	}
	if value, ok := cutPrefixFold(clause, "endsWith:"); ok {
		return strings.HasSuffix(lowerOutput, strings.ToLower(value))
	}
	if value, ok := cutPrefixFold(clause, "equals:"); ok {
		return strings.TrimSpace(output) == value
	}
	if m := lengthClause.FindStringSubmatch(strings.ToLower(clause)); m != nil {
		return compareLength(utf8.RuneCountInString(output), m[1], m[2])
	}

	return strings.Contains(lowerOutput, strings.ToLower(clause))
}

// compile returns the case-insensitive pattern or nil when it does not compile.
func (e *Evaluator) compile(pattern string) *regexp.Regexp {
	e.mu.RLock()
	re, ok := e.patterns[pattern]
	e.mu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = nil
	}

	e.mu.Lock()
	if len(e.patterns) >= e.maxCache {
		e.patterns = make(map[string]*regexp.Regexp)
	}
	e.patterns[pattern] = re
	e.mu.Unlock()
	return re
}

func compareLength(length int, op, operand string) bool {
	n, err := strconv.Atoi(operand)
	if err != nil {
		return false
	}
	switch op {
	case ">":
		return length > n
	case "<":
		return length < n
	case ">=":
		return length >= n
	case "<=":
		return length <= n
	case "==":
		return length == n
	case "!=":
		return length != n
	default:
		return false
	}
}

// cutPrefixFold strips prefix case-insensitively and returns the trimmed value.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}
