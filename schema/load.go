package schema

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AppConfig 进程级配置
type AppConfig struct {
	Server struct {
		Host string `yaml:"host" json:"host" toml:"host" validate:"required"`
		Port int    `yaml:"port" json:"port" toml:"port" validate:"required,min=1,max=65535"`
	} `yaml:"server" json:"server" toml:"server"`
	BackofficeDir string `yaml:"backoffice_dir" json:"backoffice_dir" toml:"backoffice_dir" validate:"required"`
	AuditDir      string `yaml:"audit_dir" json:"audit_dir" toml:"audit_dir"`
	Log           struct {
		Level  string `yaml:"level" json:"level" toml:"level"`
		Format string `yaml:"format" json:"format" toml:"format"`
		Output string `yaml:"output" json:"output" toml:"output"`
	} `yaml:"log" json:"log" toml:"log"`
}

// LoadAppConfig 加载进程配置，配置错误在加载期即失败
func LoadAppConfig(path string) (*AppConfig, error) {
	var config AppConfig
	if err := decodeFile(path, &config); err != nil {
		return nil, err
	}
	if err := ValidateStruct(&config); err != nil {
		return nil, errors.WithMessagef(err, "invalid app config: %s", path)
	}
	return &config, nil
}

// LoadBackoffice 加载单份后台配置
func LoadBackoffice(path string) (*Backoffice, error) {
	var bo Backoffice
	if err := decodeFile(path, &bo); err != nil {
		return nil, err
	}
	if err := ValidateStruct(&bo); err != nil {
		return nil, errors.WithMessagef(err, "invalid backoffice config: %s", path)
	}
	return &bo, nil
}

// LoadBackoffices 遍历目录加载所有后台配置
func LoadBackoffices(dir string) ([]*Backoffice, error) {
	var backoffices []*Backoffice
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json", ".toml":
		default:
			return nil
		}
		bo, err := LoadBackoffice(path)
		if err != nil {
			return err
		}
		backoffices = append(backoffices, bo)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load backoffices from %s", dir)
	}
	return backoffices, nil
}

// decodeFile 按扩展名选择解码器
func decodeFile(path string, v any) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.WithMessagef(err, "failed to read config file: %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(buf, v); err != nil {
			return errors.WithMessagef(err, "failed to parse yaml config: %s", path)
		}
	case ".json":
		if err := json.Unmarshal(buf, v); err != nil {
			return errors.WithMessagef(err, "failed to parse json config: %s", path)
		}
	case ".toml":
		if err := toml.Unmarshal(buf, v); err != nil {
			return errors.WithMessagef(err, "failed to parse toml config: %s", path)
		}
	default:
		return errors.Errorf("unsupported config format: %s", path)
	}
	return nil
}

var validate = validator.New()

// ValidateStruct 使用 validator 校验结构体，非结构体输入直接通过
func ValidateStruct(object any) error {
	if object == nil {
		return nil
	}

	rv := reflect.ValueOf(object)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	return validate.Struct(rv.Interface())
}
