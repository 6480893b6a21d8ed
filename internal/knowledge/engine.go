package knowledge

import (
	"fmt"
	"sync"
	"time"

	"capcore/internal/logging"
)

// =============================================================================
// KNOWLEDGE FUSION ENGINE
// =============================================================================
//
// FusionEngine maintains an in-memory knowledge graph fed by perception
// events. Nodes carry a confidence score and accumulate similarity-based
// connections to other nodes. The engine is a decoupled collaborator: the
// control core initializes it and aggregates its status, but admission and
// shutdown decisions never depend on it.

// Node is a single entry in the knowledge graph.
type Node struct {
	ID          string
	Content     map[string]interface{}
	Confidence  float64
	Source      string
	CreatedAt   time.Time
	Connections []string
	AccessCount uint64
}

// Pattern is a discovery produced by DiscoverPatterns.
type Pattern struct {
	Type       string
	Pattern    string
	Confidence float64
}

// FusionEngine fuses perception events into the knowledge graph.
type FusionEngine struct {
	mu sync.RWMutex

	graph              map[string]*Node
	fusionOperations   uint64
	patternDiscoveries uint64

	similarityThreshold   float64
	maxConnectionsPerNode int

	clock func() time.Time
	seq   uint64
}

// FusionConfig holds the fusion tuning knobs.
type FusionConfig struct {
	SimilarityThreshold   float64
	MaxConnectionsPerNode int
}

// DefaultFusionConfig returns production defaults.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		SimilarityThreshold:   0.8,
		MaxConnectionsPerNode: 10,
	}
}

// NewFusionEngine creates an empty engine.
func NewFusionEngine(cfg FusionConfig) *FusionEngine {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.8
	}
	if cfg.MaxConnectionsPerNode <= 0 {
		cfg.MaxConnectionsPerNode = 10
	}

	return &FusionEngine{
		graph:                 make(map[string]*Node),
		similarityThreshold:   cfg.SimilarityThreshold,
		maxConnectionsPerNode: cfg.MaxConnectionsPerNode,
		clock:                 time.Now,
	}
}

// Initialize resets the graph and seeds the base knowledge set.
func (fe *FusionEngine) Initialize() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.graph = make(map[string]*Node)
	fe.fusionOperations = 0
	fe.patternDiscoveries = 0

	fe.addNodeLocked("safety_core", map[string]interface{}{
		"concept":  "human_safety",
		"priority": "critical",
	}, 1.0, "core_policy")

	fe.addNodeLocked("learning_core", map[string]interface{}{
		"concept":  "reinforcement_learning",
		"approach": "continuous_adaptation",
	}, 0.9, "core_design")

	fe.addNodeLocked("architecture_core", map[string]interface{}{
		"concept":    "runtime_architecture",
		"components": []string{"core", "perception", "knowledge", "store"},
	}, 0.95, "system_design")

	logging.Knowledge("FusionEngine initialized with %d nodes", len(fe.graph))
	return nil
}

// AddNode inserts a node with the given id, overwriting any existing node.
func (fe *FusionEngine) AddNode(id string, content map[string]interface{}, confidence float64, source string) string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.addNodeLocked(id, content, confidence, source)
}

func (fe *FusionEngine) addNodeLocked(id string, content map[string]interface{}, confidence float64, source string) string {
	fe.graph[id] = &Node{
		ID:         id,
		Content:    content,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  fe.clock(),
	}
	logging.KnowledgeDebug("Added knowledge node: %s", id)
	return id
}

// perceptionConfidence maps an event type to the trust placed in its data.
func perceptionConfidence(dataType string) float64 {
	switch dataType {
	case "system_metrics":
		return 0.9
	case "user_interaction":
		return 0.8
	case "environmental":
		return 0.7
	default:
		return 0.6
	}
}

// ProcessPerceptionEvent fuses one perception event into the graph: a new
// node typed and weighted by the event type, followed by a connection pass
// over the whole graph.
func (fe *FusionEngine) ProcessPerceptionEvent(dataType string, data map[string]interface{}) (string, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.seq++
	id := fmt.Sprintf("%s_%d_%d", dataType, fe.clock().UnixMilli(), fe.seq)

	fe.addNodeLocked(id, map[string]interface{}{
		"type": dataType,
		"data": data,
	}, perceptionConfidence(dataType), fmt.Sprintf("%s_sensor", dataType))
	fe.fusionOperations++

	fe.generateConnectionsLocked()
	return id, nil
}

// generateConnectionsLocked links every node pair whose similarity exceeds
// the threshold, bidirectionally, bounded per node.
func (fe *FusionEngine) generateConnectionsLocked() {
	ids := make([]string, 0, len(fe.graph))
	for id := range fe.graph {
		ids = append(ids, id)
	}

	added := 0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := fe.graph[ids[i]], fe.graph[ids[j]]
			if similarity(a, b) <= fe.similarityThreshold {
				continue
			}
			if fe.connectLocked(a, b.ID) {
				added++
			}
			if fe.connectLocked(b, a.ID) {
				added++
			}
		}
	}

	if added > 0 {
		logging.KnowledgeDebug("Generated %d new knowledge connections", added)
	}
}

func (fe *FusionEngine) connectLocked(n *Node, target string) bool {
	if len(n.Connections) >= fe.maxConnectionsPerNode {
		return false
	}
	for _, c := range n.Connections {
		if c == target {
			return false
		}
	}
	n.Connections = append(n.Connections, target)
	return true
}

// similarity scores a node pair: shared source beats shared concept beats
// shared event type; unrelated nodes get a low floor.
func similarity(a, b *Node) float64 {
	if a.Source == b.Source {
		return 0.9
	}

	if t1, t2 := contentString(a, "type"), contentString(b, "type"); t1 != "" && t1 == t2 {
		return 0.8
	}

	if c1, c2 := contentString(a, "concept"), contentString(b, "concept"); c1 != "" && c1 == c2 {
		return 0.85
	}

	return 0.3
}

func contentString(n *Node, key string) string {
	s, _ := n.Content[key].(string)
	return s
}

// DiscoverPatterns scans the graph for recurring structure: the dominant
// event type and any sizeable high-confidence cluster.
func (fe *FusionEngine) DiscoverPatterns() []Pattern {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	var patterns []Pattern

	typeCounts := make(map[string]int)
	for _, n := range fe.graph {
		if t := contentString(n, "type"); t != "" {
			typeCounts[t]++
		}
	}
	var topType string
	topCount := 0
	for t, c := range typeCounts {
		if c > topCount || (c == topCount && t < topType) {
			topType, topCount = t, c
		}
	}
	if topCount > 0 {
		patterns = append(patterns, Pattern{
			Type:       "frequent_data_type",
			Pattern:    fmt.Sprintf("Most common data type: %s (%d)", topType, topCount),
			Confidence: 0.8,
		})
	}

	highConfidence := 0
	for _, n := range fe.graph {
		if n.Confidence > 0.9 {
			highConfidence++
		}
	}
	if highConfidence > 3 {
		patterns = append(patterns, Pattern{
			Type:       "high_confidence_cluster",
			Pattern:    fmt.Sprintf("Found %d high-confidence knowledge nodes", highConfidence),
			Confidence: 0.9,
		})
	}

	fe.patternDiscoveries += uint64(len(patterns))
	if len(patterns) > 0 {
		logging.Knowledge("Discovered %d patterns in knowledge graph", len(patterns))
	}
	return patterns
}

// GetNode returns a copy of the node with the given id, bumping its access
// count.
func (fe *FusionEngine) GetNode(id string) (Node, bool) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	n, ok := fe.graph[id]
	if !ok {
		return Node{}, false
	}
	n.AccessCount++

	copied := *n
	copied.Connections = append([]string(nil), n.Connections...)
	return copied, true
}

// GetStatus returns a snapshot of graph metrics.
func (fe *FusionEngine) GetStatus() map[string]interface{} {
	fe.mu.RLock()
	defer fe.mu.RUnlock()

	totalConnections := 0
	confidenceSum := 0.0
	for _, n := range fe.graph {
		totalConnections += len(n.Connections)
		confidenceSum += n.Confidence
	}

	avgConfidence := 0.0
	if len(fe.graph) > 0 {
		avgConfidence = confidenceSum / float64(len(fe.graph))
	}

	return map[string]interface{}{
		"total_nodes":         len(fe.graph),
		"total_connections":   totalConnections,
		"fusion_operations":   fe.fusionOperations,
		"average_confidence":  avgConfidence,
		"pattern_discoveries": fe.patternDiscoveries,
	}
}

// Shutdown clears the graph.
func (fe *FusionEngine) Shutdown() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	logging.Knowledge("FusionEngine shutting down, dropping %d nodes", len(fe.graph))
	fe.graph = make(map[string]*Node)
	return nil
}
