package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mint-pipeline/internal/models"
)

func TestBuildHederaDocument(t *testing.T) {
	doc := Build(Input{
		Chain:       models.ChainHedera,
		Name:        "Test #1",
		Description: "d",
		ImageURI:    "ipfs://bafyimage",
		Attributes:  []models.Attribute{{TraitType: "Color", Value: "Blue"}},
	})
	require.NoError(t, Validate(doc))

	raw, err := doc.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"name": "Test #1",
		"description": "d",
		"image": "ipfs://bafyimage",
		"type": "object",
		"format": "image",
		"attributes": [{"trait_type": "Color", "value": "Blue"}],
		"files": [{"uri": "ipfs://bafyimage", "type": "image/png"}]
	}`, string(raw))
}

func TestBuildHederaFormats(t *testing.T) {
	doc := Build(Input{Chain: models.ChainHedera, Name: "n", Description: "d", ImageURI: "u", Format: "video"})
	assert.Equal(t, "video", doc.Format)
	assert.Equal(t, []File{{URI: "u", Type: "video/mp4"}}, doc.Files)

	assert.Equal(t, "audio/mpeg", FileType("audio"))
	assert.Equal(t, "image/png", FileType("hologram"))
}

func TestBuildEthereumDocument(t *testing.T) {
	doc := Build(Input{
		Chain:       models.ChainEthereum,
		Name:        "Genesis",
		Description: "first",
		ImageURI:    "ipfs://bafyimage",
		Creator:     "0xabc",
		ExternalURL: "https://example.org/1",
		Attributes:  []models.Attribute{{TraitType: "Level", Value: 3}},
		Format:      "video",
	})
	raw, err := doc.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"name": "Genesis",
		"description": "first",
		"image": "ipfs://bafyimage",
		"external_url": "https://example.org/1",
		"attributes": [{"trait_type": "Level", "value": 3}],
		"properties": {"creator": "0xabc"}
	}`, string(raw))
}

func TestBuildCopiesAttributes(t *testing.T) {
	attrs := []models.Attribute{{TraitType: "Color", Value: "Blue"}}
	doc := Build(Input{Chain: models.ChainHedera, Attributes: attrs})
	attrs[0].Value = "Red"
	assert.Equal(t, "Blue", doc.Attributes[0].Value)
}

func TestParseRoundTripsNumbers(t *testing.T) {
	doc := Build(Input{Chain: models.ChainHedera, Name: "n", Description: "d", ImageURI: "u",
		Attributes: []models.Attribute{{TraitType: "Power", Value: 9000}}})
	raw, err := doc.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, float64(9000), parsed.Attributes[0].Value)
	assert.Equal(t, doc.Files, parsed.Files)
}

func TestValidate(t *testing.T) {
	base := Document{Name: "n", Description: "d", Image: "u"}
	require.NoError(t, Validate(base))

	tests := []struct {
		name  string
		doc   Document
		field string
	}{
		{"missing name", Document{Description: "d", Image: "u"}, "name"},
		{"blank description", Document{Name: "n", Description: "  ", Image: "u"}, "description"},
		{"missing image", Document{Name: "n", Description: "d"}, "image"},
		{"empty trait", Document{Name: "n", Description: "d", Image: "u",
			Attributes: []models.Attribute{{TraitType: "", Value: "x"}}}, "attributes[0].trait_type"},
		{"nil value", Document{Name: "n", Description: "d", Image: "u",
			Attributes: []models.Attribute{{TraitType: "a", Value: 1}, {TraitType: "b"}}}, "attributes[1].value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.doc)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
