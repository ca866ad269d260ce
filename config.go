package rendergraph

import (
	"fmt"
	"os"
	"runtime"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// Config sets the compile and runtime limits of a graph and its instance
// manager. The zero value is usable: Validate fills every unset field with
// its default.
type Config struct {
	FramesInFlight    int    `toml:"frames_in_flight"`
	RecordWorkers     int    `toml:"record_workers"`
	ScratchBytes      int    `toml:"scratch_bytes"`
	MaxPasses         int    `toml:"max_passes"`
	MaxResources      int    `toml:"max_resources"`
	MergePasses       bool   `toml:"merge_passes"`
	SplitBarriers     bool   `toml:"split_barriers"`
	ParallelThreshold int    `toml:"parallel_threshold"`
	MaxInstances      uint32 `toml:"max_instances"`
	MaxMeshTypes      uint32 `toml:"max_mesh_types"`
	MaxDrawBuckets    uint32 `toml:"max_draw_buckets"`
	RegionSlots       uint32 `toml:"region_slots"`
	StagingBytes      uint64 `toml:"staging_bytes"`

	Culling CullingConfig `toml:"culling"`
}

// CullingConfig selects which visibility tests the culling dispatch runs
// and their tuning values. It is swapped atomically on reload, so a frame
// always sees one coherent set.
type CullingConfig struct {
	Frustum      bool `toml:"frustum"`
	Occlusion    bool `toml:"occlusion"`
	Backface     bool `toml:"backface"`
	Distance     bool `toml:"distance"`
	Contribution bool `toml:"contribution"`
	Temporal     bool `toml:"temporal"`
	TwoPhase     bool `toml:"two_phase"`

	LODBias     float32 `toml:"lod_bias"`
	MaxDistance float32 `toml:"max_distance"`
	// OcclusionRadiusBias scales the projected radius before the closest
	// depth estimate; raising it makes the occlusion test more lenient.
	OcclusionRadiusBias float32 `toml:"occlusion_radius_bias"`
	MinContribution     float32 `toml:"min_contribution"`
}

func (c *CullingConfig) flagsWord() uint32 {
	var w uint32
	set := func(bit uint32, on bool) {
		if on {
			w |= 1 << bit
		}
	}
	set(0, c.Frustum)
	set(1, c.Occlusion)
	set(2, c.Backface)
	set(3, c.Distance)
	set(4, c.Contribution)
	set(5, c.Temporal)
	set(6, c.TwoPhase)
	return w
}

// Validate fills defaults and rejects values the runtime cannot honor.
func (c *Config) Validate() error {
	if c.FramesInFlight == 0 {
		c.FramesInFlight = 3
	}
	if c.FramesInFlight < 1 || c.FramesInFlight > 8 {
		return fmt.Errorf("frames_in_flight %d out of range [1,8]", c.FramesInFlight)
	}
	if c.RecordWorkers == 0 {
		c.RecordWorkers = runtime.NumCPU()
	}
	if c.RecordWorkers < 1 {
		return fmt.Errorf("record_workers %d must be positive", c.RecordWorkers)
	}
	if c.ScratchBytes == 0 {
		c.ScratchBytes = 64 << 10
	}
	if c.MaxPasses == 0 {
		c.MaxPasses = 256
	}
	if c.MaxResources == 0 {
		c.MaxResources = 512
	}
	if c.ParallelThreshold == 0 {
		c.ParallelThreshold = 8
	}
	if c.MaxInstances == 0 {
		c.MaxInstances = 1 << 16
	}
	if c.MaxMeshTypes == 0 {
		c.MaxMeshTypes = 1024
	}
	if c.MaxDrawBuckets == 0 {
		c.MaxDrawBuckets = 256
	}
	if c.RegionSlots == 0 {
		c.RegionSlots = 64
	}
	if c.RegionSlots&(c.RegionSlots-1) != 0 {
		return fmt.Errorf("region_slots %d must be a power of two", c.RegionSlots)
	}
	if c.StagingBytes == 0 {
		c.StagingBytes = 8 << 20
	}
	if c.Culling.LODBias == 0 {
		c.Culling.LODBias = 1.0
	}
	if c.Culling.OcclusionRadiusBias == 0 {
		c.Culling.OcclusionRadiusBias = 0.5
	}
	return nil
}

// LoadConfig reads a TOML config file and validates it.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WatchConfig reloads path on every write and hands the new config to fn.
// Parse or validation failures keep the previous config and are logged.
// The returned stop function releases the watcher.
func WatchConfig(path string, log Logger, fn func(Config)) (func(), error) {
	log = orNopLogger(log)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					log.Warnf("config reload failed: %v", err)
					continue
				}
				log.Infof("config reloaded from %s", path)
				fn(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watch: %v", err)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		w.Close()
	}, nil
}
