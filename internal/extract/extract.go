// Package extract pulls shell and submodel metadata out of harvested AASX
// packages. An AASX file is an OPC zip whose AAS environment lives in JSON
// or XML parts; JSON parts are parsed structurally, XML parts get a tolerant
// token scan for semantic IDs. Extraction failures are result values so a
// malformed package degrades to a catalog entry without metadata.
package extract

import (
	"archive/zip"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/harvest"
)

// maxPartBytes bounds how much of a single package part is read. Parts are
// already covered by the download-time archive inspection, so this is only
// a second fence.
const maxPartBytes = 100 * 1024 * 1024

// Extractor implements harvest.Extractor over local AASX files.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	return &Extractor{logger: logger.Named("extract")}
}

// Extract opens path as an AASX package and gathers its metadata. The
// returned result carries Success=false and an error string on any failure.
func (e *Extractor) Extract(path string) harvest.ExtractionResult {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return failure(fmt.Sprintf("open package: %v", err))
	}
	defer reader.Close()

	var meta harvest.Metadata
	semanticIDs := make(map[string]struct{})
	sawPart := false

	for _, file := range reader.File {
		name := strings.ToLower(file.Name)
		switch {
		case strings.HasSuffix(name, ".json"):
			data, err := readPart(file)
			if err != nil {
				e.logger.Debug("part unreadable", zap.String("part", file.Name), zap.Error(err))
				continue
			}
			if parseJSONPart(data, &meta, semanticIDs) {
				sawPart = true
			}
		case strings.HasSuffix(name, ".xml"):
			data, err := readPart(file)
			if err != nil {
				e.logger.Debug("part unreadable", zap.String("part", file.Name), zap.Error(err))
				continue
			}
			if scanXMLPart(data, semanticIDs) {
				sawPart = true
			}
		}
	}

	if !sawPart && len(meta.Shells) == 0 && len(meta.Submodels) == 0 {
		return failure("no AAS environment part found")
	}

	meta.SemanticIDs = sortedKeys(semanticIDs)
	return harvest.ExtractionResult{Success: true, Metadata: meta}
}

func failure(msg string) harvest.ExtractionResult {
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return harvest.ExtractionResult{Success: false, Error: msg}
}

func readPart(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxPartBytes))
}

// environment mirrors the slice of the AAS JSON environment the catalog
// cares about.
type environment struct {
	Shells    []jsonShell    `json:"assetAdministrationShells"`
	Submodels []jsonSubmodel `json:"submodels"`
}

type jsonShell struct {
	ID               string `json:"id"`
	IDShort          string `json:"idShort"`
	AssetInformation struct {
		GlobalAssetID string `json:"globalAssetId"`
	} `json:"assetInformation"`
}

type jsonSubmodel struct {
	ID         string    `json:"id"`
	IDShort    string    `json:"idShort"`
	SemanticID reference `json:"semanticId"`
}

// reference is an AAS Reference; the first key's value is the identifier.
type reference struct {
	Keys []struct {
		Value string `json:"value"`
	} `json:"keys"`
}

func (r reference) value() string {
	for _, key := range r.Keys {
		if key.Value != "" {
			return key.Value
		}
	}
	return ""
}

// parseJSONPart reads one JSON part. Shells and submodels come from the
// typed environment decode; semantic IDs come from a generic walk so IDs on
// nested submodel elements are found too. Returns whether the part
// contributed anything.
func parseJSONPart(data []byte, meta *harvest.Metadata, semanticIDs map[string]struct{}) bool {
	var env environment
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}

	for _, shell := range env.Shells {
		if shell.ID == "" {
			continue
		}
		meta.Shells = append(meta.Shells, harvest.ShellInfo{
			ID:            shell.ID,
			IDShort:       shell.IDShort,
			GlobalAssetID: shell.AssetInformation.GlobalAssetID,
		})
	}
	for _, sm := range env.Submodels {
		if sm.ID == "" {
			continue
		}
		meta.Submodels = append(meta.Submodels, harvest.SubmodelInfo{
			ID:         sm.ID,
			IDShort:    sm.IDShort,
			SemanticID: sm.SemanticID.value(),
		})
	}

	var tree any
	if err := json.Unmarshal(data, &tree); err == nil {
		collectSemanticIDs(tree, semanticIDs)
	}

	return len(env.Shells) > 0 || len(env.Submodels) > 0
}

// collectSemanticIDs walks an arbitrary JSON tree and records every
// semanticId reference value it finds.
func collectSemanticIDs(node any, out map[string]struct{}) {
	switch n := node.(type) {
	case map[string]any:
		if semRaw, ok := n["semanticId"]; ok {
			if value := referenceValueOf(semRaw); value != "" {
				out[value] = struct{}{}
			}
		}
		for _, value := range n {
			collectSemanticIDs(value, out)
		}
	case []any:
		for _, item := range n {
			collectSemanticIDs(item, out)
		}
	}
}

func referenceValueOf(raw any) string {
	ref, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	keys, ok := ref["keys"].([]any)
	if !ok {
		return ""
	}
	for _, keyRaw := range keys {
		key, ok := keyRaw.(map[string]any)
		if !ok {
			continue
		}
		if value, ok := key["value"].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// scanXMLPart tokenizes an XML part and records the textual values inside
// semanticId elements. The scan is deliberately schema-free: AAS XML sits
// in several namespace variants, and the key values are all the catalog
// needs. Returns whether anything AAS-shaped was seen.
func scanXMLPart(data []byte, semanticIDs map[string]struct{}) bool {
	decoder := xml.NewDecoder(strings.NewReader(string(data)))
	decoder.Strict = false

	sawAAS := false
	semanticDepth := 0
	valueDepth := 0
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			local := t.Name.Local
			if local == "assetAdministrationShells" || local == "submodels" || local == "aasenv" || local == "environment" {
				sawAAS = true
			}
			if semanticDepth > 0 {
				semanticDepth++
				if local == "value" || local == "key" {
					valueDepth++
				}
			} else if local == "semanticId" {
				semanticDepth = 1
			}
		case xml.EndElement:
			if semanticDepth > 0 {
				if t.Name.Local == "value" || t.Name.Local == "key" {
					if valueDepth > 0 {
						valueDepth--
					}
				}
				semanticDepth--
			}
		case xml.CharData:
			if valueDepth > 0 {
				if value := strings.TrimSpace(string(t)); value != "" {
					semanticIDs[value] = struct{}{}
				}
			}
		}
	}
	return sawAAS
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
