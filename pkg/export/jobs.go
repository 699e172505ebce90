package export

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// jobFile is the layout of an export job file:
//
//	jobs:
//	  - name: active-contacts
//	    entity_set: contacts
//	    id_attribute: contactid
//	    query: contacts?$select=fullname&$filter=statecode%20eq%200
//	  - name: accounts
//	    entity_set: accounts
//	    id_attribute: accountid
//	    page_size: 500
//	    fetch_xml: |
//	      <fetch><entity name="account"><attribute name="name"/></entity></fetch>
type jobFile struct {
	Jobs []Job `yaml:"jobs"`
}

// LoadJobs reads and validates a YAML job file
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return ParseJobs(data)
}

// ParseJobs decodes a YAML job list. Unknown keys are rejected and jobs
// without a name are named after their entity set.
func ParseJobs(data []byte) ([]Job, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file jobFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(file.Jobs) == 0 {
		return nil, fmt.Errorf("job file defines no jobs")
	}

	seen := make(map[string]bool, len(file.Jobs))
	for i := range file.Jobs {
		job := &file.Jobs[i]
		if job.Name == "" {
			job.Name = job.EntitySet
		}
		if err := job.Validate(); err != nil {
			return nil, err
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
	}

	return file.Jobs, nil
}
