package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"leverageGuard/internal/domain"
)

// TradingRules is the part of the configuration that may change while the
// controller runs.
type TradingRules struct {
	Symbols         []domain.Symbol
	Rules           map[domain.Symbol]domain.SymbolRule
	DefaultRule     domain.SymbolRule
	GlobalMaxTrades int
	AllowNewTrades  bool
}

// RuleFor returns the rule for symbol, or the default rule.
func (r TradingRules) RuleFor(symbol domain.Symbol) domain.SymbolRule {
	if rule, ok := r.Rules[symbol]; ok {
		return rule
	}
	return r.DefaultRule
}

// LoadTradingRules reads the trading rules from the process environment.
func LoadTradingRules() (TradingRules, error) {
	return parseTradingRules(os.Getenv)
}

// parseTradingRules reads SYMBOLS, SYMBOL_RULES and the global switches.
//
//	SYMBOL_RULES="BTCUSDT:max=2,minconf=0.55,priority,funding;ETHUSDT:minconf=0.5"
func parseTradingRules(e env) (TradingRules, error) {
	rules := TradingRules{
		Rules: make(map[domain.Symbol]domain.SymbolRule),
		DefaultRule: domain.SymbolRule{
			MaxPositions:  e.getAsInt("DEFAULT_MAX_POSITIONS", 1),
			MinConfidence: e.getAsFloat("DEFAULT_MIN_CONFIDENCE", 0.5),
			Derivatives:   e.getAsBool("DEFAULT_FUNDING_CHECK", true),
		},
		GlobalMaxTrades: e.getAsInt("GLOBAL_MAX_TRADES", 3),
		AllowNewTrades:  e.getAsBool("ALLOW_NEW_TRADES", true),
	}
	var errs []string

	if rules.DefaultRule.MaxPositions <= 0 {
		errs = append(errs, "DEFAULT_MAX_POSITIONS must be positive")
	}
	if rules.GlobalMaxTrades <= 0 {
		errs = append(errs, "GLOBAL_MAX_TRADES must be positive")
	}

	seen := make(map[domain.Symbol]bool)
	for _, raw := range strings.Split(e.get("SYMBOLS", "BTCUSDT,ETHUSDT"), ",") {
		sym := domain.NormalizeSymbol(raw)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		rules.Symbols = append(rules.Symbols, sym)
	}
	if len(rules.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}

	for _, entry := range strings.Split(e.get("SYMBOL_RULES", ""), ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		sym, rule, err := parseSymbolRule(entry, rules.DefaultRule)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		rules.Rules[sym] = rule
		if !seen[sym] {
			seen[sym] = true
			rules.Symbols = append(rules.Symbols, sym)
		}
	}

	if len(errs) > 0 {
		return TradingRules{}, fmt.Errorf("trading rules validation failed: %s", strings.Join(errs, "; "))
	}
	return rules, nil
}

func parseSymbolRule(entry string, def domain.SymbolRule) (domain.Symbol, domain.SymbolRule, error) {
	name, opts, _ := strings.Cut(entry, ":")
	sym := domain.NormalizeSymbol(name)
	if sym == "" {
		return "", def, fmt.Errorf("SYMBOL_RULES entry %q has no symbol", entry)
	}
	rule := def
	for _, opt := range strings.Split(opts, ",") {
		key, value, hasValue := strings.Cut(strings.TrimSpace(opt), "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "":
		case "max":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return "", def, fmt.Errorf("%s: max must be a positive integer, got %q", sym, value)
			}
			rule.MaxPositions = n
		case "minconf":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f < 0 || f >= 1 {
				return "", def, fmt.Errorf("%s: minconf must be in [0, 1), got %q", sym, value)
			}
			rule.MinConfidence = f
		case "priority":
			rule.Priority = !hasValue || value == "true"
		case "funding":
			rule.Derivatives = !hasValue || value == "true"
		default:
			return "", def, fmt.Errorf("%s: unknown rule option %q", sym, key)
		}
	}
	return sym, rule, nil
}

// Summary renders the rules for logging, symbols in sorted order.
func (r TradingRules) Summary() map[string]interface{} {
	syms := make([]string, 0, len(r.Symbols))
	for _, s := range r.Symbols {
		rule := r.RuleFor(s)
		syms = append(syms, fmt.Sprintf("%s(max=%d,minconf=%.2f)", s, rule.MaxPositions, rule.MinConfidence))
	}
	sort.Strings(syms)
	return map[string]interface{}{
		"symbols":         strings.Join(syms, " "),
		"globalMaxTrades": r.GlobalMaxTrades,
		"allowNewTrades":  r.AllowNewTrades,
	}
}

// RulesStore holds the live trading rules.
type RulesStore struct {
	path string

	mu    sync.RWMutex
	rules TradingRules
}

// NewRulesStore starts with initial and re-reads path on Reload.
func NewRulesStore(path string, initial TradingRules) *RulesStore {
	return &RulesStore{path: path, rules: initial}
}

// Rules returns the current rules.
func (s *RulesStore) Rules() TradingRules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Reload re-reads the env file, falling back to the process environment for
// keys it does not set. Invalid rules leave the current ones in place.
func (s *RulesStore) Reload() (TradingRules, error) {
	values := map[string]string{}
	if s.path != "" {
		if read, err := godotenv.Read(s.path); err == nil {
			values = read
		} else if !os.IsNotExist(err) {
			return s.Rules(), fmt.Errorf("reading %s: %w", s.path, err)
		}
	}

	rules, err := parseTradingRules(func(key string) string {
		if v, ok := values[key]; ok {
			return v
		}
		return os.Getenv(key)
	})
	if err != nil {
		return s.Rules(), err
	}

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	return rules, nil
}
