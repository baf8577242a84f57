// Package metadata builds the NFT metadata documents uploaded before minting.
// Ethereum gets an ERC-721 document; Hedera gets the HIP-412 superset.
package metadata

import (
	"encoding/json"
	"fmt"

	"mint-pipeline/internal/models"
)

// Input is everything the builder needs. Attributes are copied verbatim.
type Input struct {
	Chain       models.Chain
	Name        string
	Description string
	ImageURI    string
	Creator     string
	Attributes  []models.Attribute
	Format      string
	ExternalURL string
}

// File is one HIP-412 file entry.
type File struct {
	URI  string `json:"uri"`
	Type string `json:"type"`
}

// Properties carries free-form extra fields; only the creator is populated.
type Properties struct {
	Creator string `json:"creator,omitempty"`
}

// Document is the metadata JSON of one token.
type Document struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Image       string             `json:"image"`
	Type        string             `json:"type,omitempty"`
	Format      string             `json:"format,omitempty"`
	ExternalURL string             `json:"external_url,omitempty"`
	Attributes  []models.Attribute `json:"attributes,omitempty"`
	Properties  *Properties        `json:"properties,omitempty"`
	Files       []File             `json:"files,omitempty"`
}

var fileTypes = map[string]string{
	"image": "image/png",
	"video": "video/mp4",
	"audio": "audio/mpeg",
}

// FileType maps a HIP-412 format to the MIME type of its file entry.
func FileType(format string) string {
	if t, ok := fileTypes[format]; ok {
		return t
	}
	return "image/png"
}

// Build assembles the document for in.Chain. It performs no I/O.
func Build(in Input) Document {
	doc := Document{
		Name:        in.Name,
		Description: in.Description,
		Image:       in.ImageURI,
	}
	if len(in.Attributes) > 0 {
		doc.Attributes = make([]models.Attribute, len(in.Attributes))
		copy(doc.Attributes, in.Attributes)
	}
	if in.Creator != "" {
		doc.Properties = &Properties{Creator: in.Creator}
	}

	if in.Chain != models.ChainHedera {
		doc.ExternalURL = in.ExternalURL
		return doc
	}

	format := in.Format
	if format == "" {
		format = "image"
	}
	doc.Type = "object"
	doc.Format = format
	doc.Files = []File{{URI: in.ImageURI, Type: FileType(format)}}
	return doc
}

// Marshal returns the bytes uploaded to the content store.
func (d Document) Marshal() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

// Parse decodes a stored document.
func Parse(raw []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return Document{}, fmt.Errorf("decode metadata: %w", err)
	}
	return d, nil
}
