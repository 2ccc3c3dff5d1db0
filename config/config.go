package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"asmredis/lib/logger"
)

// ServerProperties 节点配置，cfg 标签用于 redis 风格配置文件，yaml 标签用于 yaml 配置文件
type ServerProperties struct {
	Bind        string `cfg:"bind" yaml:"bind"`
	Port        int    `cfg:"port" yaml:"port"`
	Dir         string `cfg:"dir" yaml:"dir"`
	RequirePass string `cfg:"requirepass" yaml:"requirepass"`
	LogLevel    string `cfg:"loglevel" yaml:"loglevel"`
	LogFile     string `cfg:"logfile" yaml:"logfile"`
	Hz          int    `cfg:"hz" yaml:"hz"`

	// 集群
	NodeID                  string `cfg:"cluster-node-id" yaml:"cluster-node-id"`
	AnnounceIP              string `cfg:"cluster-announce-ip" yaml:"cluster-announce-ip"`
	RaftListen              string `cfg:"raft-listen" yaml:"raft-listen"`
	ClusterBootstrap        bool   `cfg:"cluster-bootstrap" yaml:"cluster-bootstrap"`
	ClusterSeed             string `cfg:"cluster-seed" yaml:"cluster-seed"`
	ReplicaOf               string `cfg:"replicaof" yaml:"replicaof"`
	InternalSecret          string `cfg:"cluster-internal-secret" yaml:"cluster-internal-secret"`
	RequireFullCoverage     bool   `cfg:"cluster-require-full-coverage" yaml:"cluster-require-full-coverage"`
	AllowReadsWhenDown      bool   `cfg:"cluster-allow-reads-when-down" yaml:"cluster-allow-reads-when-down"`
	HandoffMaxLagBytes      int64  `cfg:"cluster-slot-migration-handoff-max-lag-bytes" yaml:"cluster-slot-migration-handoff-max-lag-bytes"`
	WritePauseTimeoutMs     int64  `cfg:"cluster-slot-migration-write-pause-timeout" yaml:"cluster-slot-migration-write-pause-timeout"`
	SyncBufferDrainTimeout  int64  `cfg:"cluster-slot-migration-sync-buffer-drain-timeout" yaml:"cluster-slot-migration-sync-buffer-drain-timeout"`
	ReplTimeout             int64  `cfg:"repl-timeout" yaml:"repl-timeout"`
	MaxArchivedTasks        int    `cfg:"cluster-slot-migration-max-archived-tasks" yaml:"cluster-slot-migration-max-archived-tasks"`
	AllowAccessTrimmed      bool   `cfg:"allow-access-trimmed" yaml:"allow-access-trimmed"`
	ClientOutputBufferLimit int64  `cfg:"client-output-buffer-limit" yaml:"client-output-buffer-limit"`
	MetricsListen           string `cfg:"metrics-listen" yaml:"metrics-listen"`
}

var Properties *ServerProperties

func init() {
	Properties = Default()
}

// Default 返回默认配置
func Default() *ServerProperties {
	return &ServerProperties{
		Bind:                    "127.0.0.1",
		Port:                    6399,
		Dir:                     ".",
		LogLevel:                "info",
		Hz:                      10,
		RequireFullCoverage:     true,
		HandoffMaxLagBytes:      1 << 20,
		WritePauseTimeoutMs:     10000,
		SyncBufferDrainTimeout:  60000,
		ReplTimeout:             60,
		MaxArchivedTasks:        32,
		ClientOutputBufferLimit: 256 << 20,
	}
}

func (p *ServerProperties) AnnounceAddr() string {
	host := p.AnnounceIP
	if host == "" {
		host = p.Bind
	}
	return fmt.Sprintf("%s:%d", host, p.Port)
}

func (p *ServerProperties) WritePauseTimeout() time.Duration {
	return time.Duration(p.WritePauseTimeoutMs) * time.Millisecond
}

func (p *ServerProperties) ReplTimeoutDuration() time.Duration {
	return time.Duration(p.ReplTimeout) * time.Second
}

func (p *ServerProperties) GetTmpDir() string {
	return filepath.Join(p.Dir, "tmp")
}

// parse 解析 "key value" 形式的配置，# 开头为注释
func parse(src io.Reader) (*ServerProperties, error) {
	config := Default()

	rawMap := make(map[string]string)
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		pivot := strings.IndexAny(line, " \t")
		if pivot > 0 && pivot < len(line)-1 {
			key := strings.ToLower(line[0:pivot])
			rawMap[key] = strings.Trim(strings.TrimSpace(line[pivot+1:]), "\"")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	t := reflect.TypeOf(config).Elem()
	v := reflect.ValueOf(config).Elem()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key, ok := field.Tag.Lookup("cfg")
		if !ok {
			continue
		}
		value, ok := rawMap[strings.ToLower(key)]
		if !ok {
			continue
		}
		if err := setField(v.Field(i), value); err != nil {
			return nil, fmt.Errorf("invalid value %q for %s: %v", value, key, err)
		}
	}
	return config, nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		field.SetBool(value == "yes" || value == "true")
	}
	return nil
}

func parseYAML(src io.Reader) (*ServerProperties, error) {
	config := Default()
	if err := yaml.NewDecoder(src).Decode(config); err != nil && err != io.EOF {
		return nil, err
	}
	return config, nil
}

// Load 读取配置文件，后缀为 .yaml/.yml 时按 yaml 解析
func Load(filename string) (*ServerProperties, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return parseYAML(file)
	default:
		return parse(file)
	}
}

// SetupConfig 加载配置到全局 Properties
func SetupConfig(filename string) {
	config, err := Load(filename)
	if err != nil {
		logger.Fatal(err)
		panic(err)
	}
	Properties = config
}
