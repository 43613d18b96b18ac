package emolumento

import (
	"math"
	"strconv"
	"strings"

	"tramita/internal/domain"
)

// Formula vocabulary. The formula string of an EmolumentoRule is one of:
//
//	valor_fixo                  -> the rule's minimo, verbatim
//	progressivo_escalao         -> bracket table supplied by the caller
//	valor_contrato * <rate>     -> contract value times a decimal rate
const (
	FormulaValorFixo   = "valor_fixo"
	FormulaProgressivo = "progressivo_escalao"
	variableContrato   = "valor_contrato"
)

// Bracket is one step of a progressive fee table: the portion of the
// contract value above From (up to the next bracket's From) is charged at
// Rate.
type Bracket struct {
	From int64   `json:"from" yaml:"from"`
	Rate float64 `json:"rate" yaml:"rate"`
}

// BracketTable is the externally supplied strategy for progressivo_escalao.
// Brackets must be sorted by ascending From.
type BracketTable []Bracket

// Result is a computed fee. Warning is set when the minimum floor and the
// percentage cap conflict; the floor wins but the inconsistency is surfaced.
type Result struct {
	Amount  int64  `json:"amount"`
	Warning string `json:"warning,omitempty"`
}

// Evaluate computes the fee for a rule. valorContrato may be nil for fixed
// formulas; brackets may be nil unless the formula is progressive. Amounts
// are centavos. A malformed formula is a ConfigurationError; fee computation
// never defaults to zero.
func Evaluate(rule domain.EmolumentoRule, valorContrato *int64, brackets BracketTable) (Result, error) {
	base, err := computeBase(rule, valorContrato, brackets)
	if err != nil {
		return Result{}, err
	}
	res := Result{Amount: base}
	if res.Amount < rule.Minimo {
		res.Amount = rule.Minimo
	}
	if rule.MaximoPct != nil && valorContrato != nil {
		cap := int64(math.Round(float64(*valorContrato) * *rule.MaximoPct / 100))
		if cap < rule.Minimo {
			// The floor and the cap disagree; the floor wins.
			res.Amount = rule.Minimo
			res.Warning = "minimo exceeds maximo_pct cap; minimum applied"
		} else if res.Amount > cap {
			res.Amount = cap
		}
	}
	return res, nil
}

func computeBase(rule domain.EmolumentoRule, valorContrato *int64, brackets BracketTable) (int64, error) {
	formula := strings.TrimSpace(rule.Formula)
	switch formula {
	case "":
		return 0, domain.ConfigurationError{Detail: "empty emolumento formula for " + string(rule.ProcessType)}
	case FormulaValorFixo:
		return rule.Minimo, nil
	case FormulaProgressivo:
		if len(brackets) == 0 {
			return 0, domain.ConfigurationError{Detail: "progressivo_escalao requires a bracket table"}
		}
		if valorContrato == nil {
			return 0, domain.ConfigurationError{Detail: "progressivo_escalao requires valor_contrato"}
		}
		return brackets.apply(*valorContrato), nil
	}
	rate, err := parseMultiplicative(formula)
	if err != nil {
		return 0, err
	}
	if valorContrato == nil {
		return 0, domain.ConfigurationError{Detail: "formula " + formula + " requires valor_contrato"}
	}
	return int64(math.Round(float64(*valorContrato) * rate)), nil
}

// parseMultiplicative accepts "valor_contrato * <rate>".
func parseMultiplicative(formula string) (float64, error) {
	parts := strings.Split(formula, "*")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) != variableContrato {
		return 0, domain.ConfigurationError{Detail: "unparseable emolumento formula: " + formula}
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || rate < 0 {
		return 0, domain.ConfigurationError{Detail: "invalid rate in formula: " + formula}
	}
	return rate, nil
}

func (t BracketTable) apply(value int64) int64 {
	var total float64
	for i, b := range t {
		if value <= b.From {
			break
		}
		upper := value
		if i+1 < len(t) && t[i+1].From < value {
			upper = t[i+1].From
		}
		total += float64(upper-b.From) * b.Rate
	}
	return int64(math.Round(total))
}
