package emolumento_test

import (
	"errors"
	"testing"

	"tramita/internal/domain"
	"tramita/internal/emolumento"
)

func ptr[T any](v T) *T { return &v }

func TestMultiplicativeFormula(t *testing.T) {
	rule := domain.EmolumentoRule{
		ProcessType: domain.ProcessVisto,
		Formula:     "valor_contrato * 0.01",
		Minimo:      1_000,
	}
	res, err := emolumento.Evaluate(rule, ptr[int64](1_000_000), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Amount != 10_000 {
		t.Fatalf("got %d, want 10000", res.Amount)
	}
}

func TestMinimoFloorWins(t *testing.T) {
	// 1% of 1,000,000 is 10,000 — below the 50,000 floor.
	rule := domain.EmolumentoRule{
		ProcessType: domain.ProcessVisto,
		Formula:     "valor_contrato * 0.01",
		Minimo:      50_000,
	}
	res, err := emolumento.Evaluate(rule, ptr[int64](1_000_000), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Amount != 50_000 {
		t.Fatalf("got %d, want 50000", res.Amount)
	}
}

func TestValorFixo(t *testing.T) {
	rule := domain.EmolumentoRule{Formula: "valor_fixo", Minimo: 25_000}
	res, err := emolumento.Evaluate(rule, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Amount != 25_000 {
		t.Fatalf("got %d", res.Amount)
	}
}

func TestMaximoPctCap(t *testing.T) {
	rule := domain.EmolumentoRule{
		Formula:   "valor_contrato * 0.10",
		Minimo:    100,
		MaximoPct: ptr(5.0),
	}
	res, err := emolumento.Evaluate(rule, ptr[int64](200_000), nil)
	if err != nil {
		t.Fatal(err)
	}
	// 10% = 20,000 capped at 5% = 10,000.
	if res.Amount != 10_000 {
		t.Fatalf("got %d, want 10000", res.Amount)
	}
	if res.Warning != "" {
		t.Fatalf("unexpected warning %q", res.Warning)
	}
}

func TestMinimoBeatsCapWithWarning(t *testing.T) {
	rule := domain.EmolumentoRule{
		Formula:   "valor_contrato * 0.02",
		Minimo:    50_000,
		MaximoPct: ptr(1.0),
	}
	res, err := emolumento.Evaluate(rule, ptr[int64](1_000_000), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Amount != 50_000 {
		t.Fatalf("got %d, want minimo 50000", res.Amount)
	}
	if res.Warning == "" {
		t.Fatal("expected conflict warning")
	}
}

func TestNeverBelowMinimo(t *testing.T) {
	rule := domain.EmolumentoRule{Formula: "valor_contrato * 0.001", Minimo: 7_500}
	for _, v := range []int64{0, 1, 100_000, 5_000_000, 900_000_000} {
		res, err := emolumento.Evaluate(rule, ptr(v), nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Amount < rule.Minimo {
			t.Fatalf("valor %d: amount %d below minimo", v, res.Amount)
		}
	}
}

func TestProgressivoEscalao(t *testing.T) {
	rule := domain.EmolumentoRule{Formula: "progressivo_escalao", Minimo: 100}
	table := emolumento.BracketTable{
		{From: 0, Rate: 0.02},
		{From: 100_000, Rate: 0.01},
	}
	res, err := emolumento.Evaluate(rule, ptr[int64](250_000), table)
	if err != nil {
		t.Fatal(err)
	}
	// 100,000*2% + 150,000*1% = 2,000 + 1,500.
	if res.Amount != 3_500 {
		t.Fatalf("got %d, want 3500", res.Amount)
	}
}

func TestProgressivoWithoutTableFails(t *testing.T) {
	rule := domain.EmolumentoRule{Formula: "progressivo_escalao", Minimo: 100}
	_, err := emolumento.Evaluate(rule, ptr[int64](1), nil)
	var cfgErr domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestMalformedFormula(t *testing.T) {
	for _, f := range []string{"", "valor_contrato + 0.01", "contrato * 0.01", "valor_contrato * x", "valor_contrato * -1"} {
		_, err := emolumento.Evaluate(domain.EmolumentoRule{Formula: f, Minimo: 1}, ptr[int64](100), nil)
		var cfgErr domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("formula %q: expected ConfigurationError, got %v", f, err)
		}
	}
}

func TestMissingContractValue(t *testing.T) {
	_, err := emolumento.Evaluate(domain.EmolumentoRule{Formula: "valor_contrato * 0.01", Minimo: 1}, nil, nil)
	var cfgErr domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
