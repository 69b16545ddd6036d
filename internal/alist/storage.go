package alist

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Storage status values. Disabled must agree with Status.
const (
	StatusWork     = "work"
	StatusDisabled = "disabled"
)

// DriverURLTree is the address-tree driver whose listing lives entirely in
// its addition's url_structure text.
const DriverURLTree = "UrlTree"

// Storage describes a remote mount. Addition is an opaque, driver-specific
// JSON document carried as a string.
type Storage struct {
	ID              int    `json:"id"`
	MountPath       string `json:"mount_path"`
	Order           int    `json:"order"`
	Driver          string `json:"driver"`
	CacheExpiration int    `json:"cache_expiration"`
	Status          string `json:"status"`
	Addition        string `json:"addition"`
	Remark          string `json:"remark"`
	Modified        string `json:"modified"`
	Disabled        bool   `json:"disabled"`
	EnableSign      bool   `json:"enable_sign"`
	OrderBy         string `json:"order_by"`
	OrderDirection  string `json:"order_direction"`
	ExtractFolder   string `json:"extract_folder"`
	WebProxy        bool   `json:"web_proxy"`
	WebdavPolicy    string `json:"webdav_policy"`
	DownProxyURL    string `json:"down_proxy_url"`
}

// NewStorage returns a storage with the server's defaults for a new mount.
func NewStorage(driver, mountPath string) Storage {
	return Storage{
		MountPath:       mountPath,
		Driver:          driver,
		CacheExpiration: 30,
		Addition:        "{}",
		OrderBy:         "name",
		OrderDirection:  "asc",
		ExtractFolder:   "front",
		WebdavPolicy:    "native_proxy",
	}
}

// Validate rejects a storage whose Disabled flag and Status disagree.
func (s Storage) Validate() error {
	if s.Disabled && s.Status != StatusDisabled {
		return fmt.Errorf("storage %s: disabled but status is %q", s.MountPath, s.Status)
	}
	if !s.Disabled && s.Status == StatusDisabled {
		return fmt.Errorf("storage %s: status %q but not disabled", s.MountPath, s.Status)
	}
	return nil
}

// AdditionMap decodes the addition document. An empty addition is an empty
// map. Numbers decode as json.Number so driver fields round-trip exactly.
func (s Storage) AdditionMap() (map[string]interface{}, error) {
	m := make(map[string]interface{})
	if s.Addition == "" {
		return m, nil
	}
	dec := json.NewDecoder(strings.NewReader(s.Addition))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding addition of storage %s: %w", s.MountPath, err)
	}
	return m, nil
}

// SetAddition replaces the addition document.
func (s *Storage) SetAddition(m map[string]interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding addition of storage %s: %w", s.MountPath, err)
	}
	s.Addition = string(data)
	return nil
}
