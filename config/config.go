// Package config is the overlay node's configuration: a Config record with
// unexported fields and accessor methods, loaded from a ConfigDTO that
// mirrors the on-disk shape. Following the teacher's NewDTOFromFile
// contract, the primary on-disk format is YAML with a JSON fallback for
// machine-generated configs.
package config

import (
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/errs"
	"github.com/overlaynet/overlaynode/file"
	"github.com/overlaynet/overlaynode/id"
)

// Defaults mirror spec.md §6 and original_source/src/config/mod.rs.
const (
	DefaultRouteIdleTime         = 10 * time.Second
	DefaultHeartbeatInterval     = 5 * time.Second
	DefaultQueryIDInterval       = 12 * time.Second
	DefaultQueryIDMaxNum         = 5
	DefaultSendBufferSize        = 2048
	DefaultSubPipelineNum        = 82
	DefaultMultiPipeline         = 2
	DefaultTCPMultiplexingLimit  = 8

	DefaultLogFilePath    = ""
	DefaultErrLogFilePath = ""
)

// DefaultUDPStunServers and DefaultTCPStunServers match the bootstrap STUN
// infrastructure original_source/src/config/mod.rs ships with.
var (
	DefaultUDPStunServers = []string{"stun.miwifi.com:3478", "stun.chat.bilibili.com:3478"}
	DefaultTCPStunServers = []string{"stun.flashdance.cx:3478"}
)

type (
	// Config is the validated, in-memory node configuration.
	Config struct {
		selfID id.NodeID

		directAddrs []addr.PeerNodeAddress

		udpPorts       []int
		subPipelineNum int
		udpModelHigh   bool

		tcpPort              int
		tcpMultiplexingLimit int

		routeIdleTime     time.Duration
		heartbeatInterval time.Duration
		queryIDInterval   time.Duration
		queryIDMaxNum     int
		firstLatency      bool
		sendBufferSize    int

		tcpStunServers []string
		udpStunServers []string
		dns            []string
		mappingAddrs   []addr.NodeAddress
		enableExtend   bool

		peerStorePath string
		diagAddr      string

		fileWriter file.Writer

		LogPath    string
		ErrLogPath string
	}

	// ConfigDTO is the on-disk shape, decoded from YAML or JSON.
	ConfigDTO struct {
		SelfID      string   `yaml:"self_id" json:"self_id"`
		DirectAddrs []string `yaml:"direct_addrs" json:"direct_addrs"`

		UDPPipeConfig UDPPipeConfigDTO `yaml:"udp_pipe_config" json:"udp_pipe_config"`
		TCPPipeConfig TCPPipeConfigDTO `yaml:"tcp_pipe_config" json:"tcp_pipe_config"`

		RouteIdleTimeSeconds     float64 `yaml:"route_idle_time_seconds" json:"route_idle_time_seconds"`
		HeartbeatIntervalSeconds float64 `yaml:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds"`
		QueryIDIntervalSeconds   float64 `yaml:"query_id_interval_seconds" json:"query_id_interval_seconds"`
		QueryIDMaxNum            int     `yaml:"query_id_max_num" json:"query_id_max_num"`
		FirstLatency             bool    `yaml:"first_latency" json:"first_latency"`
		SendBufferSize           int     `yaml:"send_buffer_size" json:"send_buffer_size"`

		TCPStunServers []string `yaml:"tcp_stun_servers" json:"tcp_stun_servers"`
		UDPStunServers []string `yaml:"udp_stun_servers" json:"udp_stun_servers"`
		DNS            []string `yaml:"dns" json:"dns"`
		MappingAddrs   []string `yaml:"mapping_addrs" json:"mapping_addrs"`
		EnableExtend   bool     `yaml:"enable_extend" json:"enable_extend"`

		PeerStorePath string `yaml:"peer_store_path" json:"peer_store_path"`
		DiagAddr      string `yaml:"diag_addr" json:"diag_addr"`

		Log Log `yaml:"log" json:"log"`
	}

	// UDPPipeConfigDTO mirrors §6's udp_pipe_config.* options.
	UDPPipeConfigDTO struct {
		UDPPorts       []int  `yaml:"udp_ports" json:"udp_ports"`
		SubPipelineNum int    `yaml:"sub_pipeline_num" json:"sub_pipeline_num"`
		Model          string `yaml:"model" json:"model"` // "High" or "Low"
	}

	// TCPPipeConfigDTO mirrors §6's tcp_pipe_config.* options.
	TCPPipeConfigDTO struct {
		TCPPort              int `yaml:"tcp_port" json:"tcp_port"`
		TCPMultiplexingLimit int `yaml:"tcp_multiplexing_limit" json:"tcp_multiplexing_limit"`
	}

	// Log is the ConfigDTO's logging section.
	Log struct {
		Path      string `yaml:"path" json:"path"`
		ErrorPath string `yaml:"error_path" json:"error_path"`
	}
)

// ValidateFileWriter validates the file writer used by WriteToFile.
func ValidateFileWriter(fileWriter file.Writer) error {
	if fileWriter == nil {
		return errs.ErrWriterIsNil
	}
	return nil
}

// NewConfig validates and builds a Config. Per REDESIGN/open-question
// resolution, self_id is mandatory and ID-width mixing across
// direct_addrs is never checked here (widths are only meaningful for
// NodeIDs, not addresses); packet.EncodeHeader rejects a header whose
// src and dst ids differ in width.
func NewConfig(
	selfID id.NodeID,
	directAddrs []addr.PeerNodeAddress,
	udpPorts []int,
	subPipelineNum int,
	udpModelHigh bool,
	tcpPort int,
	tcpMultiplexingLimit int,
	routeIdleTime time.Duration,
	heartbeatInterval time.Duration,
	queryIDInterval time.Duration,
	queryIDMaxNum int,
	firstLatency bool,
	sendBufferSize int,
	tcpStunServers []string,
	udpStunServers []string,
	dns []string,
	mappingAddrs []addr.NodeAddress,
	enableExtend bool,
	peerStorePath string,
	diagAddr string,
	fileWriter file.Writer,
	logPath string,
	errLogPath string,
) (*Config, error) {
	if selfID.IsZero() {
		return nil, errs.Wrap(errs.ErrMissingSelfID)
	}
	if fileWriter == nil {
		fileWriter = &file.FileWriter{}
	}
	if routeIdleTime <= 0 {
		routeIdleTime = DefaultRouteIdleTime
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if queryIDInterval <= 0 {
		queryIDInterval = DefaultQueryIDInterval
	}
	if queryIDMaxNum <= 0 {
		queryIDMaxNum = DefaultQueryIDMaxNum
	}
	if sendBufferSize <= 0 {
		sendBufferSize = DefaultSendBufferSize
	}
	if subPipelineNum <= 0 {
		subPipelineNum = DefaultSubPipelineNum
	}
	if tcpMultiplexingLimit <= 0 {
		tcpMultiplexingLimit = DefaultTCPMultiplexingLimit
	}
	if len(udpPorts) == 0 {
		udpPorts = make([]int, DefaultMultiPipeline) // all ephemeral
	}

	return &Config{
		selfID:                selfID,
		directAddrs:           directAddrs,
		udpPorts:              udpPorts,
		subPipelineNum:        subPipelineNum,
		udpModelHigh:          udpModelHigh,
		tcpPort:               tcpPort,
		tcpMultiplexingLimit:  tcpMultiplexingLimit,
		routeIdleTime:         routeIdleTime,
		heartbeatInterval:     heartbeatInterval,
		queryIDInterval:       queryIDInterval,
		queryIDMaxNum:         queryIDMaxNum,
		firstLatency:          firstLatency,
		sendBufferSize:        sendBufferSize,
		tcpStunServers:        tcpStunServers,
		udpStunServers:        udpStunServers,
		dns:                   dns,
		mappingAddrs:          mappingAddrs,
		enableExtend:          enableExtend,
		peerStorePath:         peerStorePath,
		diagAddr:              diagAddr,
		fileWriter:            fileWriter,
		LogPath:               logPath,
		ErrLogPath:            errLogPath,
	}, nil
}

// NewDevDefaultConfig returns a default config suitable for local testing:
// a fixed Short self_id (10.88.0.1), two ephemeral UDP ports, no TCP listener.
func NewDevDefaultConfig() *Config {
	conf, _ := NewConfig(
		id.NewShort([4]byte{10, 88, 0, 1}),
		nil,
		[]int{0, 0},
		DefaultSubPipelineNum,
		false,
		0,
		DefaultTCPMultiplexingLimit,
		DefaultRouteIdleTime,
		DefaultHeartbeatInterval,
		DefaultQueryIDInterval,
		DefaultQueryIDMaxNum,
		false,
		DefaultSendBufferSize,
		DefaultTCPStunServers,
		DefaultUDPStunServers,
		nil,
		nil,
		false,
		"",
		"",
		&file.FileWriter{},
		DefaultLogFilePath,
		DefaultErrLogFilePath,
	)
	return conf
}

// SelfID returns this node's identifier.
func (c *Config) SelfID() id.NodeID { return c.selfID }

// DirectAddrs returns the configured bootstrap peers.
func (c *Config) DirectAddrs() []addr.PeerNodeAddress { return c.directAddrs }

// UDPPorts returns the configured UDP main-pipe ports.
func (c *Config) UDPPorts() []int { return c.udpPorts }

// SubPipelineNum returns the fan-out socket count per main pipe.
func (c *Config) SubPipelineNum() int { return c.subPipelineNum }

// UDPPipeModelHigh reports whether punch fan-out is enabled.
func (c *Config) UDPPipeModelHigh() bool { return c.udpModelHigh }

// TCPPort returns the TCP listener port, or 0 if disabled.
func (c *Config) TCPPort() int { return c.tcpPort }

// TCPMultiplexingLimit returns the max logical routes per TCP connection.
func (c *Config) TCPMultiplexingLimit() int { return c.tcpMultiplexingLimit }

// RouteIdleTime returns the dead-route eviction threshold.
func (c *Config) RouteIdleTime() time.Duration { return c.routeIdleTime }

// HeartbeatInterval returns the heartbeat tick period.
func (c *Config) HeartbeatInterval() time.Duration { return c.heartbeatInterval }

// QueryIDInterval returns the ID-query tick period.
func (c *Config) QueryIDInterval() time.Duration { return c.queryIDInterval }

// QueryIDMaxNum returns the per-tick ID-query fan-out limit.
func (c *Config) QueryIDMaxNum() int { return c.queryIDMaxNum }

// FirstLatency reports whether route selection prefers lowest RTT over cost.
func (c *Config) FirstLatency() bool { return c.firstLatency }

// SendBufferSize returns the bounded queue depth per direction.
func (c *Config) SendBufferSize() int { return c.sendBufferSize }

// TCPStunServers returns the configured TCP STUN server list.
func (c *Config) TCPStunServers() []string { return c.tcpStunServers }

// UDPStunServers returns the configured UDP STUN server list.
func (c *Config) UDPStunServers() []string { return c.udpStunServers }

// DNS returns the configured DNS override servers, if any.
func (c *Config) DNS() []string { return c.dns }

// MappingAddrs returns the statically declared reflexive endpoints.
func (c *Config) MappingAddrs() []addr.NodeAddress { return c.mappingAddrs }

// EnableExtend reports whether TXT-record discovery and extended headers
// are enabled.
func (c *Config) EnableExtend() bool { return c.enableExtend }

// PeerStorePath returns the sqlite path for learned-peer persistence, or
// "" to disable it.
func (c *Config) PeerStorePath() string { return c.peerStorePath }

// DiagAddr returns the bind address for the optional diagnostics HTTP
// server, or "" to disable it.
func (c *Config) DiagAddr() string { return c.diagAddr }

// SetFileWriter sets the file writer used by WriteToFile.
func (c *Config) SetFileWriter(fileWriter file.Writer) error {
	if err := ValidateFileWriter(fileWriter); err != nil {
		return errs.Wrap(err)
	}
	c.fileWriter = fileWriter
	return nil
}

// WriteToFile serializes the config to YAML and writes it via the
// configured file.Writer.
func (c *Config) WriteToFile(path string) error {
	dto := c.ToDTO()
	out, err := yaml.Marshal(dto)
	if err != nil {
		return errs.Wrap(err)
	}
	if _, err := c.fileWriter.Write(path, out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

// ToDTO converts a Config back to its on-disk shape.
func (c *Config) ToDTO() *ConfigDTO {
	directAddrs := make([]string, len(c.directAddrs))
	for i, a := range c.directAddrs {
		directAddrs[i] = a.String()
	}
	mappingAddrs := make([]string, len(c.mappingAddrs))
	for i, a := range c.mappingAddrs {
		mappingAddrs[i] = a.String()
	}
	model := "Low"
	if c.udpModelHigh {
		model = "High"
	}
	return &ConfigDTO{
		SelfID:      c.selfID.String(),
		DirectAddrs: directAddrs,
		UDPPipeConfig: UDPPipeConfigDTO{
			UDPPorts:       c.udpPorts,
			SubPipelineNum: c.subPipelineNum,
			Model:          model,
		},
		TCPPipeConfig: TCPPipeConfigDTO{
			TCPPort:              c.tcpPort,
			TCPMultiplexingLimit: c.tcpMultiplexingLimit,
		},
		RouteIdleTimeSeconds:     c.routeIdleTime.Seconds(),
		HeartbeatIntervalSeconds: c.heartbeatInterval.Seconds(),
		QueryIDIntervalSeconds:   c.queryIDInterval.Seconds(),
		QueryIDMaxNum:            c.queryIDMaxNum,
		FirstLatency:             c.firstLatency,
		SendBufferSize:           c.sendBufferSize,
		TCPStunServers:           c.tcpStunServers,
		UDPStunServers:           c.udpStunServers,
		DNS:                      c.dns,
		MappingAddrs:             mappingAddrs,
		EnableExtend:             c.enableExtend,
		PeerStorePath:            c.peerStorePath,
		DiagAddr:                 c.diagAddr,
		Log: Log{
			Path:      c.LogPath,
			ErrorPath: c.ErrLogPath,
		},
	}
}

// FromDTO validates and converts a ConfigDTO into a Config.
func FromDTO(dto *ConfigDTO) (*Config, error) {
	selfID, err := parseSelfID(dto.SelfID)
	if err != nil {
		return nil, errs.NewConfigError(err)
	}
	directAddrs := make([]addr.PeerNodeAddress, 0, len(dto.DirectAddrs))
	for _, s := range dto.DirectAddrs {
		pa, err := addr.ParsePeerNodeAddress(s)
		if err != nil {
			return nil, errs.NewConfigError(err)
		}
		directAddrs = append(directAddrs, pa)
	}
	mappingAddrs := make([]addr.NodeAddress, 0, len(dto.MappingAddrs))
	for _, s := range dto.MappingAddrs {
		pa, err := addr.ParsePeerNodeAddress(s)
		if err != nil {
			return nil, errs.NewConfigError(err)
		}
		if !pa.IsDirect() {
			return nil, errs.NewConfigError(errs.ErrUnresolvableAddr)
		}
		mappingAddrs = append(mappingAddrs, addr.NodeAddress{Proto: pa.Proto(), Addr: pa.DirectAddr()})
	}

	return NewConfig(
		selfID,
		directAddrs,
		dto.UDPPipeConfig.UDPPorts,
		dto.UDPPipeConfig.SubPipelineNum,
		strings.EqualFold(dto.UDPPipeConfig.Model, "high"),
		dto.TCPPipeConfig.TCPPort,
		dto.TCPPipeConfig.TCPMultiplexingLimit,
		secondsToDuration(dto.RouteIdleTimeSeconds),
		secondsToDuration(dto.HeartbeatIntervalSeconds),
		secondsToDuration(dto.QueryIDIntervalSeconds),
		dto.QueryIDMaxNum,
		dto.FirstLatency,
		dto.SendBufferSize,
		dto.TCPStunServers,
		dto.UDPStunServers,
		dto.DNS,
		mappingAddrs,
		dto.EnableExtend,
		dto.PeerStorePath,
		dto.DiagAddr,
		&file.FileWriter{},
		dto.Log.Path,
		dto.Log.ErrorPath,
	)
}

func parseSelfID(s string) (id.NodeID, error) {
	if s == "" {
		return id.NodeID{}, errs.ErrMissingSelfID
	}
	if ip := net.ParseIP(s); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return id.FromIP(ip)
		}
	}
	if b, err := hex.DecodeString(s); err == nil {
		if nid, err := id.FromBytes(b); err == nil {
			return nid, nil
		}
	}
	return id.NodeID{}, errs.ErrInvalidNodeID
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// NewDTOFromFile decodes a ConfigDTO from path within filesystem. YAML is
// tried first (matching the .yaml/.yml extension or as the default); a
// .json extension, or a YAML parse failure, falls back to JSON.
func NewDTOFromFile(filesystem fs.FS, path string) (*ConfigDTO, error) {
	f, err := filesystem.Open(path)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer f.Close()

	raw, err := fs.ReadFile(filesystem, path)
	if err != nil {
		return nil, errs.Wrap(err)
	}

	var dto ConfigDTO
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(raw, &dto); err != nil {
			return nil, errs.Wrap(err)
		}
		return &dto, nil
	}
	if err := yaml.Unmarshal(raw, &dto); err != nil {
		if jsonErr := json.Unmarshal(raw, &dto); jsonErr == nil {
			return &dto, nil
		}
		return nil, errs.Wrap(err)
	}
	return &dto, nil
}
