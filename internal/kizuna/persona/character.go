// Package persona holds character profiles and turns a profile plus the
// session state and recalled memory into the system prompt for a turn.
package persona

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultCharacterID is the id of the built-in character.
const DefaultCharacterID = "yuki"

// ErrUnknownCharacter is returned by Catalog.Get for ids that were never loaded.
var ErrUnknownCharacter = errors.New("persona: unknown character")

// Example is one few-shot exchange shown to the model before the history.
type Example struct {
	User      string `yaml:"user" json:"user"`
	Character string `yaml:"character" json:"character"`
}

// Character is a roleplay profile as stored in a YAML file.
type Character struct {
	ID           string    `yaml:"id" json:"id"`
	Name         string    `yaml:"name" json:"name"`
	Title        string    `yaml:"title" json:"title"`
	Description  string    `yaml:"description" json:"description"`
	Traits       []string  `yaml:"traits" json:"traits"`
	SystemPrompt string    `yaml:"system_prompt" json:"system_prompt"`
	Examples     []Example `yaml:"few_shot_examples" json:"few_shot_examples"`
}

// Validate checks the fields the prompt cannot do without.
func (c *Character) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	} else if strings.ContainsAny(c.ID, " \t\n/") {
		errs = append(errs, fmt.Errorf("id %q must not contain whitespace or '/'", c.ID))
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	for i, ex := range c.Examples {
		if strings.TrimSpace(ex.User) == "" || strings.TrimSpace(ex.Character) == "" {
			errs = append(errs, fmt.Errorf("few_shot_examples[%d]: user and character are required", i))
		}
	}
	return errors.Join(errs...)
}

// DefaultCharacter is used when no character file is configured.
func DefaultCharacter() Character {
	return Character{
		ID:          DefaultCharacterID,
		Name:        "Yuki",
		Title:       "the quiet librarian",
		Description: "Yuki runs a small second-hand bookshop in Kyoto and remembers every regular who walks in.",
		Traits:      []string{"gentle", "observant", "dry humour"},
		SystemPrompt: "Stay in character. Speak in short, warm sentences and describe actions " +
			"between asterisks, for example *smiles*.",
		Examples: []Example{{
			User:      "Hi Yuki, any recommendations today?",
			Character: "*smiles and pulls a worn paperback from the shelf* This one kept me up all night.",
		}},
	}
}

// ParseCharacter decodes and validates one character from YAML.
func ParseCharacter(data []byte) (Character, error) {
	var c Character
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Character{}, fmt.Errorf("parse character yaml: %w", err)
	}
	c.ID = strings.TrimSpace(c.ID)
	if err := c.Validate(); err != nil {
		return Character{}, fmt.Errorf("invalid character: %w", err)
	}
	return c, nil
}

// LoadCharacter reads a character file from disk.
func LoadCharacter(path string) (Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Character{}, fmt.Errorf("read character file: %w", err)
	}
	return ParseCharacter(data)
}

// Catalog is the set of characters sessions may refer to. Files can be
// re-applied at runtime; a file that fails validation leaves the catalog
// unchanged.
type Catalog struct {
	mu         sync.RWMutex
	characters map[string]Character
	hashes     map[string]string
	defaultID  string
}

// NewCatalog returns a catalog holding def, which becomes the fallback
// character, and any extra characters.
func NewCatalog(def Character, extra ...Character) (*Catalog, error) {
	c := &Catalog{
		characters: make(map[string]Character),
		hashes:     make(map[string]string),
	}
	for _, ch := range append([]Character{def}, extra...) {
		if err := ch.Validate(); err != nil {
			return nil, fmt.Errorf("invalid character %q: %w", ch.ID, err)
		}
		c.characters[ch.ID] = ch
	}
	c.defaultID = def.ID
	return c, nil
}

// LoadFile reads a character file and applies it.
func (c *Catalog) LoadFile(path string) (Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Character{}, fmt.Errorf("read character file: %w", err)
	}
	return c.Apply(data)
}

// Apply parses a character and adds it, replacing any character with the
// same id.
func (c *Catalog) Apply(data []byte) (Character, error) {
	ch, err := ParseCharacter(data)
	if err != nil {
		return Character{}, err
	}

	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])

	c.mu.Lock()
	c.characters[ch.ID] = ch
	c.hashes[ch.ID] = hash
	c.mu.Unlock()

	slog.Info("character applied", "character", ch.ID, "hash", hash[:12])
	return ch, nil
}

// SetDefault selects the fallback character.
func (c *Catalog) SetDefault(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.characters[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCharacter, id)
	}
	c.defaultID = id
	return nil
}

// Default returns the fallback character.
func (c *Catalog) Default() Character {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.characters[c.defaultID]
}

// Get returns the character with the given id. The empty id selects the
// default character.
func (c *Catalog) Get(id string) (Character, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == "" {
		id = c.defaultID
	}
	ch, ok := c.characters[id]
	if !ok {
		return Character{}, fmt.Errorf("%w: %q", ErrUnknownCharacter, id)
	}
	return ch, nil
}

// IDs returns the ids of all loaded characters, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.characters))
	for id := range c.characters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
