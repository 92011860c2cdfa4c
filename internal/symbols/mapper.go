// Package symbols maps canonical pair names to broker-specific symbols.
// Brokers decorate symbols with suffixes (EURUSDm, EURUSD.a, EURUSD_sb);
// the rest of the engine always works with canonical six-letter names.
package symbols

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mwalcott/triarb/internal/models"
)

// knownSuffixes are tried in order when a canonical symbol has no exact
// broker match. Longer decorations first so ".pro" wins over ".".
var knownSuffixes = []string{"_sb", ".pro", ".m", "_m", "_a", "m.", "a.", "m", ".a", "."}

// Mapper resolves canonical pair names to the symbols the broker quotes,
// and back. Mappings survive restarts via a JSON file.
type Mapper struct {
	mu        sync.RWMutex
	toReal    map[string]string // canonical -> broker
	toCanon   map[string]string // broker -> canonical
	filePath  string
	logger    *log.Logger
	scannedAt time.Time
}

type mappingFile struct {
	Mappings  map[string]string `json:"mappings"`
	ScannedAt string            `json:"scanned_at"`
}

// NewMapper creates a mapper backed by filePath. An existing mapping file is
// loaded; a missing or corrupt file starts the mapper empty.
func NewMapper(filePath string, logger *log.Logger) (*Mapper, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	m := &Mapper{
		toReal:   make(map[string]string),
		toCanon:  make(map[string]string),
		filePath: filePath,
		logger:   logger,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// ScanAndMap matches every canonical pair buildable from the major
// currencies against the broker's symbol list, then persists the result.
func (m *Mapper) ScanAndMap(available []string) error {
	index := make(map[string]string, len(available)) // uppercase -> as-quoted
	for _, sym := range available {
		index[strings.ToUpper(sym)] = sym
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.toReal = make(map[string]string)
	m.toCanon = make(map[string]string)
	for base := range models.MajorCurrencies {
		for quote := range models.MajorCurrencies {
			if base == quote {
				continue
			}
			canonical := base + quote
			if real, ok := matchSymbol(canonical, index, available); ok {
				m.toReal[canonical] = real
				m.toCanon[strings.ToUpper(real)] = canonical
			}
		}
	}
	m.scannedAt = time.Now().UTC()
	m.logger.Printf("Symbol scan mapped %d of %d broker symbols to canonical pairs",
		len(m.toReal), len(available))
	return m.persistLocked()
}

// matchSymbol tries exact match, then canonical+suffix, then a prefix match
// with a short broker-specific tail.
func matchSymbol(canonical string, index map[string]string, available []string) (string, bool) {
	if real, ok := index[canonical]; ok {
		return real, true
	}
	for _, suffix := range knownSuffixes {
		if real, ok := index[strings.ToUpper(canonical+suffix)]; ok {
			return real, true
		}
	}
	// Last resort: any quoted symbol that starts with the canonical name and
	// carries at most three extra characters of decoration.
	for _, sym := range available {
		upper := strings.ToUpper(sym)
		if strings.HasPrefix(upper, canonical) && len(upper)-len(canonical) <= 3 {
			return sym, true
		}
	}
	return "", false
}

// GetReal returns the broker symbol for a canonical pair. Unknown pairs pass
// through unchanged so a broker with undecorated symbols needs no mapping.
func (m *Mapper) GetReal(canonical string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if real, ok := m.toReal[canonical]; ok {
		return real
	}
	return canonical
}

// GetCanonical returns the canonical pair for a broker symbol, passing
// unknown symbols through unchanged.
func (m *Mapper) GetCanonical(real string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if canonical, ok := m.toCanon[strings.ToUpper(real)]; ok {
		return canonical
	}
	return real
}

// MappedPairs returns all canonical pairs with a broker symbol, sorted.
func (m *Mapper) MappedPairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pairs := make([]string, 0, len(m.toReal))
	for canonical := range m.toReal {
		pairs = append(pairs, canonical)
	}
	sort.Strings(pairs)
	return pairs
}

// Validate confirms every required canonical pair has a broker symbol.
func (m *Mapper) Validate(required []string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var missing []string
	for _, canonical := range required {
		if _, ok := m.toReal[canonical]; !ok {
			missing = append(missing, canonical)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no broker symbol for: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (m *Mapper) load() error {
	data, err := os.ReadFile(m.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading symbol mapping: %w", err)
	}
	var file mappingFile
	if err := json.Unmarshal(data, &file); err != nil {
		m.logger.Printf("WARNING: corrupt symbol mapping file %s, starting empty: %v", m.filePath, err)
		return nil
	}
	for canonical, real := range file.Mappings {
		m.toReal[canonical] = real
		m.toCanon[strings.ToUpper(real)] = canonical
	}
	if t, err := time.Parse(time.RFC3339, file.ScannedAt); err == nil {
		m.scannedAt = t
	}
	return nil
}

// persistLocked writes the mapping atomically. Callers hold m.mu.
func (m *Mapper) persistLocked() error {
	file := mappingFile{
		Mappings:  m.toReal,
		ScannedAt: m.scannedAt.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding symbol mapping: %w", err)
	}
	if dir := filepath.Dir(m.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating mapping directory: %w", err)
		}
	}
	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing symbol mapping: %w", err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("replacing symbol mapping: %w", err)
	}
	return nil
}
