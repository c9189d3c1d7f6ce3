package capability

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// SeedFile models the structure of configs/roles.yaml.
type SeedFile struct {
	Grants []Seed `yaml:"grants"`
}

// Seed defines the roles granted to one identity at bootstrap.
type Seed struct {
	Address string   `yaml:"address"`
	Roles   []string `yaml:"roles"`
}

// LoadSeedFile 解析包含角色授权的 YAML 文件。
func LoadSeedFile(path string) (SeedFile, error) {
	if strings.TrimSpace(path) == "" {
		return SeedFile{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("read role seed file: %w", err)
	}

	var seeds SeedFile
	if err := yaml.Unmarshal(content, &seeds); err != nil {
		return SeedFile{}, fmt.Errorf("parse role seed file: %w", err)
	}
	return seeds, nil
}

// ApplySeeds 将种子授权写入内存存储。
func (m *MemoryStore) ApplySeeds(seeds SeedFile) error {
	for _, seed := range seeds.Grants {
		if !common.IsHexAddress(seed.Address) {
			return fmt.Errorf("invalid seed address: %s", seed.Address)
		}
		identity := common.HexToAddress(seed.Address)
		for _, raw := range seed.Roles {
			role, ok := ParseRole(raw)
			if !ok {
				return fmt.Errorf("unknown role %q for %s", raw, seed.Address)
			}
			m.Bootstrap(identity, role)
		}
	}
	return nil
}
