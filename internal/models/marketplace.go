package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Marketplace identifies a supported marketplace platform
type Marketplace string

const (
	MarketplaceMercadoLivre Marketplace = "MERCADO_LIVRE"
	MarketplaceAmazon       Marketplace = "AMAZON"
	MarketplaceShopee       Marketplace = "SHOPEE"
)

// Marketplaces lists every marketplace the service knows about.
var Marketplaces = []Marketplace{MarketplaceMercadoLivre, MarketplaceAmazon, MarketplaceShopee}

// Slug returns the URL form of the marketplace, e.g. "mercado-livre".
func (m Marketplace) Slug() string {
	return strings.ReplaceAll(strings.ToLower(string(m)), "_", "-")
}

// ParseMarketplace accepts either the enum form (MERCADO_LIVRE) or the URL
// slug (mercado-livre).
func ParseMarketplace(s string) (Marketplace, error) {
	normalized := Marketplace(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, m := range Marketplaces {
		if m == normalized {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown marketplace %q", s)
}

// JSONB custom type for PostgreSQL JSONB
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*j = make(map[string]interface{})
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	if len(data) == 0 {
		*j = make(map[string]interface{})
		return nil
	}
	return json.Unmarshal(data, j)
}

func (j JSONB) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(j))
}

func (j *JSONB) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*j = JSONB(m)
	return nil
}

// StringList is a JSON encoded list of strings
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported StringList source type %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(l))
}
