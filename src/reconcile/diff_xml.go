package reconcile

import "encoding/xml"

// diff.xml layout: root diff with the module id, the paired step keys,
// and every property difference tagged with its severity.

type xmlDiff struct {
	XMLName     xml.Name       `xml:"diff"`
	ModuleID    xmlModuleID    `xml:"moduleId"`
	PairedSteps []string       `xml:"pairedSteps>step"`
	Diffs       []PropertyDiff `xml:"propertyDiffs>propertyDiff"`
}

type xmlModuleID struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
}

// Marshal serializes the diff into its diff.xml layout. Deterministic for a
// given diff: paired steps follow execution order and property diffs are
// already name-sorted within each step.
func (d *Diff) Marshal() ([]byte, error) {
	doc := &xmlDiff{
		ModuleID: xmlModuleID{
			GroupID:    d.ModuleID.Group,
			ArtifactID: d.ModuleID.Artifact,
			Version:    d.ModuleID.Version,
		},
		PairedSteps: d.PairedSteps,
		Diffs:       d.Diffs,
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}
