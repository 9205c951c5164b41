package model

import (
	"encoding/xml"
	"time"

	"github.com/pkg/errors"
)

// jobXML is the wire representation of a job exchanged with remote job
// producers. Status travels as its numeric value, timestamps as RFC 3339.
type jobXML struct {
	XMLName       xml.Name `xml:"job"`
	ID            int64    `xml:"id"`
	JobType       string   `xml:"jobType"`
	URL           string   `xml:"url,omitempty"`
	Operation     string   `xml:"operation"`
	Arguments     []string `xml:"arguments>arg"`
	Payload       string   `xml:"payload,omitempty"`
	Status        int      `xml:"status"`
	FailureReason string   `xml:"failureReason,omitempty"`
	Version       int64    `xml:"version"`
	Dispatchable  bool     `xml:"dispatchable"`
	JobLoad       float32  `xml:"jobLoad"`
	Creator       string   `xml:"creator,omitempty"`
	Organization  string   `xml:"organization,omitempty"`
	DateCreated   string   `xml:"dateCreated,omitempty"`
	DateStarted   string   `xml:"dateStarted,omitempty"`
	DateCompleted string   `xml:"dateCompleted,omitempty"`
	QueueTime     int64    `xml:"queueTime"`
	RunTime       int64    `xml:"runTime"`
	ParentID      *int64   `xml:"parentJobId"`
	RootID        *int64   `xml:"rootJobId"`
	BlockingJobID *int64   `xml:"blockingJobId"`
	BlockedJobIDs []int64  `xml:"blockedJobIds>id"`
}

// MarshalJobXML serializes a job into its wire format.
func MarshalJobXML(job *Job) (string, error) {
	doc := jobXML{
		ID:            job.ID,
		JobType:       job.JobType,
		URL:           job.URI,
		Operation:     job.Operation,
		Arguments:     job.Arguments,
		Payload:       job.Payload,
		Status:        int(job.Status),
		FailureReason: string(job.FailureReason),
		Version:       job.Version,
		Dispatchable:  job.Dispatchable,
		JobLoad:       job.JobLoad,
		Creator:       job.Creator,
		Organization:  job.Organization,
		QueueTime:     job.QueueTime,
		RunTime:       job.RunTime,
		ParentID:      job.ParentID,
		RootID:        job.RootID,
		BlockingJobID: job.BlockingJobID,
		BlockedJobIDs: job.BlockedJobIDs,
	}
	if !job.DateCreated.IsZero() {
		doc.DateCreated = job.DateCreated.UTC().Format(time.RFC3339Nano)
	}
	if job.DateStarted != nil {
		doc.DateStarted = job.DateStarted.UTC().Format(time.RFC3339Nano)
	}
	if job.DateCompleted != nil {
		doc.DateCompleted = job.DateCompleted.UTC().Format(time.RFC3339Nano)
	}
	raw, err := xml.Marshal(doc)
	if err != nil {
		return "", errors.Wrapf(err, "serializing job %d", job.ID)
	}
	return xml.Header + string(raw), nil
}

// UnmarshalJobXML parses the wire format back into a job.
func UnmarshalJobXML(data string) (*Job, error) {
	var doc jobXML
	if err := xml.Unmarshal([]byte(data), &doc); err != nil {
		return nil, errors.Wrap(err, "parsing job document")
	}
	job := &Job{
		ID:            doc.ID,
		JobType:       doc.JobType,
		URI:           doc.URL,
		Operation:     doc.Operation,
		Arguments:     doc.Arguments,
		Payload:       doc.Payload,
		Status:        Status(doc.Status),
		FailureReason: FailureReason(doc.FailureReason),
		Version:       doc.Version,
		Dispatchable:  doc.Dispatchable,
		JobLoad:       doc.JobLoad,
		Creator:       doc.Creator,
		Organization:  doc.Organization,
		QueueTime:     doc.QueueTime,
		RunTime:       doc.RunTime,
		ParentID:      doc.ParentID,
		RootID:        doc.RootID,
		BlockingJobID: doc.BlockingJobID,
		BlockedJobIDs: doc.BlockedJobIDs,
	}
	var err error
	if doc.DateCreated != "" {
		if job.DateCreated, err = time.Parse(time.RFC3339Nano, doc.DateCreated); err != nil {
			return nil, errors.Wrap(err, "parsing job creation date")
		}
	}
	if doc.DateStarted != "" {
		started, err := time.Parse(time.RFC3339Nano, doc.DateStarted)
		if err != nil {
			return nil, errors.Wrap(err, "parsing job start date")
		}
		job.DateStarted = &started
	}
	if doc.DateCompleted != "" {
		completed, err := time.Parse(time.RFC3339Nano, doc.DateCompleted)
		if err != nil {
			return nil, errors.Wrap(err, "parsing job completion date")
		}
		job.DateCompleted = &completed
	}
	return job, nil
}
