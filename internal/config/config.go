package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"tramita/internal/emolumento"
)

// Config models tramita.yml: the ordered stage lists per process type, the
// deadline warning threshold, the progressive fee brackets and the RBAC
// role catalog. Rule tables (SLA, distribution, letra mappings, holidays,
// fee rules) live in the database and are imported separately.
type Config struct {
	Court struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"court"`
	Tramitacao struct {
		// Stages maps a process type to its ordered stage list.
		Stages map[string][]Stage `yaml:"stages"`
	} `yaml:"tramitacao"`
	Deadlines struct {
		// WarningThresholdPct: a deadline turns to warning when the
		// remaining business days drop to this fraction of prazo_dias.
		WarningThresholdPct float64 `yaml:"warning_threshold_pct"`
	} `yaml:"deadlines"`
	Emolumentos struct {
		Brackets emolumento.BracketTable `yaml:"brackets"`
	} `yaml:"emolumentos"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Stage is one node of a process type's ordered stage list.
type Stage struct {
	Name       string `yaml:"name"`
	Capability string `yaml:"capability"`
	// ReturnStage is where rejeitar/pedir_diligencia branch to. Empty
	// means the case stays on the current stage.
	ReturnStage string `yaml:"return_stage,omitempty"`
	Terminal    bool   `yaml:"terminal,omitempty"`
}

type RBACRole struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tramita config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Court.ID == "" {
		return fmt.Errorf("config.court.id is required")
	}
	if len(c.Tramitacao.Stages) == 0 {
		return fmt.Errorf("config.tramitacao.stages is required")
	}
	for pt, stages := range c.Tramitacao.Stages {
		if len(stages) == 0 {
			return fmt.Errorf("process type %s has no stages", pt)
		}
		names := map[string]bool{}
		for i, s := range stages {
			if s.Name == "" {
				return fmt.Errorf("process type %s: stage %d has empty name", pt, i)
			}
			if names[s.Name] {
				return fmt.Errorf("process type %s: duplicate stage %s", pt, s.Name)
			}
			names[s.Name] = true
			if s.Capability == "" {
				return fmt.Errorf("process type %s: stage %s has empty capability", pt, s.Name)
			}
			if s.Terminal && i != len(stages)-1 {
				return fmt.Errorf("process type %s: terminal stage %s is not last", pt, s.Name)
			}
		}
		if !stages[len(stages)-1].Terminal {
			return fmt.Errorf("process type %s: last stage must be terminal", pt)
		}
		for _, s := range stages {
			if s.ReturnStage != "" && !names[s.ReturnStage] {
				return fmt.Errorf("process type %s: stage %s returns to unknown stage %s", pt, s.Name, s.ReturnStage)
			}
		}
	}
	if c.Deadlines.WarningThresholdPct < 0 || c.Deadlines.WarningThresholdPct > 1 {
		return fmt.Errorf("config.deadlines.warning_threshold_pct must be in [0,1]")
	}
	for i := 1; i < len(c.Emolumentos.Brackets); i++ {
		if c.Emolumentos.Brackets[i].From <= c.Emolumentos.Brackets[i-1].From {
			return fmt.Errorf("config.emolumentos.brackets must be sorted by ascending from")
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["presidente"]; !ok {
			return fmt.Errorf("config.rbac.roles must include presidente")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, cap := range role.Capabilities {
				if cap == "" {
					return fmt.Errorf("role %s has empty capability id", roleID)
				}
			}
		}
	}
	return nil
}

// WarningThreshold returns the configured threshold or the default 0.20.
func (c *Config) WarningThreshold() float64 {
	if c == nil || c.Deadlines.WarningThresholdPct == 0 {
		return 0.20
	}
	return c.Deadlines.WarningThresholdPct
}

// StagesFor returns the ordered stage list for a process type, falling back
// to the "outros" list when the type has no dedicated list.
func (c *Config) StagesFor(processType string) []Stage {
	if stages, ok := c.Tramitacao.Stages[processType]; ok {
		return stages
	}
	return c.Tramitacao.Stages["outros"]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tramita.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(courtID string) string {
	return fmt.Sprintf(defaultTemplate, courtID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a court.
func Default(courtID string) *Config {
	var cfg Config
	cfg.Court.ID = courtID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, courtID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `court:
  id: %s
  name: Tribunal de Contas

tramitacao:
  stages:
    visto:
      - name: autuacao
        capability: processo.autuar
      - name: analise_tecnica
        capability: processo.analisar
        return_stage: autuacao
      - name: parecer_chefe_divisao
        capability: processo.validar
        return_stage: analise_tecnica
      - name: vista_mp
        capability: processo.vista_mp
      - name: decisao_camara
        capability: processo.decidir
        return_stage: analise_tecnica
      - name: notificacao
        capability: processo.notificar
        terminal: true
    prestacao_contas:
      - name: autuacao
        capability: processo.autuar
      - name: analise_tecnica
        capability: processo.analisar
        return_stage: autuacao
      - name: contraditorio
        capability: processo.analisar
      - name: decisao_camara
        capability: processo.decidir
        return_stage: contraditorio
      - name: transito_julgado
        capability: processo.notificar
        terminal: true
    recurso:
      - name: autuacao
        capability: processo.autuar
      - name: analise_tecnica
        capability: processo.analisar
      - name: decisao_plenario
        capability: processo.decidir
        terminal: true
    outros:
      - name: autuacao
        capability: processo.autuar
      - name: analise_tecnica
        capability: processo.analisar
        return_stage: autuacao
      - name: decisao_camara
        capability: processo.decidir
        terminal: true

deadlines:
  warning_threshold_pct: 0.20

emolumentos:
  brackets:
    - from: 0
      rate: 0.02
    - from: 10000000
      rate: 0.01
    - from: 100000000
      rate: 0.005

rbac:
  roles:
    presidente:
      description: "Court president"
      capabilities: [processo.autuar, processo.analisar, processo.validar, processo.vista_mp, processo.decidir, processo.notificar, processo.create, processo.read, regras.import, rbac.manage]
    juiz_conselheiro:
      description: "Judge (relator/adjunto)"
      capabilities: [processo.decidir, processo.read]
    chefe_divisao:
      description: "Division chief"
      capabilities: [processo.validar, processo.read]
    tecnico:
      description: "Technical analyst"
      capabilities: [processo.analisar, processo.read]
    secretaria_geral:
      description: "Registry"
      capabilities: [processo.autuar, processo.notificar, processo.create, processo.read]
    procurador_mp:
      description: "Public prosecutor"
      capabilities: [processo.vista_mp, processo.read]
`
