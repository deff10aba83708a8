/*Package mail hands emails to the external mail service

The mail service renders templates and talks to the mail provider. This package
only enqueues a job for it on an AWS SQS queue. Attachments are uploaded to S3
first and referenced by key, because queue messages are size limited.
*/
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/actuation/core/logger"
)

// ErrNoQueue is returned when no mail queue is configured
var ErrNoQueue = errors.New("mail queue not configured")

// Attachment is a file attached to an email
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Params are the parameters of one email
type Params struct {
	Subject     string
	Email       string
	Data        map[string]any
	Attachments []Attachment
}

// Sender sends emails
type Sender interface {
	Send(ctx context.Context, template string, params Params) error
}

// QueueAPI is the part of the SQS client the sender uses
type QueueAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// UploadAPI is the part of the S3 upload manager the sender uses
type UploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Configuration of the SQS sender
type Configuration struct {
	QueueURL         string
	AttachmentBucket string
	AWSRegion        string
	AccessID         string
	AccessKey        string
}

// job is the message consumed by the mail service
type job struct {
	Template    string         `json:"template"`
	Subject     string         `json:"subject"`
	Email       string         `json:"email"`
	Data        map[string]any `json:"data,omitempty"`
	Attachments []attachment   `json:"attachments,omitempty"`
}

type attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
}

// SQSSender enqueues emails for the mail service
type SQSSender struct {
	queueURL string
	bucket   string
	queue    QueueAPI
	uploader UploadAPI
}

// NewSQSSender returns a sender for the configured queue, with AWS clients
// created from static credentials.
func NewSQSSender(ctx context.Context, cfg Configuration) (*SQSSender, error) {
	if cfg.QueueURL == "" {
		return nil, ErrNoQueue
	}
	awsConfig, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessID, cfg.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("SQS mail sender enabled")
	return NewSQSSenderWithClients(cfg.QueueURL, cfg.AttachmentBucket,
		sqs.NewFromConfig(awsConfig),
		manager.NewUploader(s3.NewFromConfig(awsConfig))), nil
}

// NewSQSSenderWithClients returns a sender using the given clients. uploader
// may be nil if no attachment bucket is configured.
func NewSQSSenderWithClients(queueURL, bucket string, queue QueueAPI, uploader UploadAPI) *SQSSender {
	return &SQSSender{queueURL: queueURL, bucket: bucket, queue: queue, uploader: uploader}
}

// Send enqueues the email
func (s *SQSSender) Send(ctx context.Context, template string, params Params) error {
	if params.Email == "" {
		return fmt.Errorf("email address missing")
	}
	j := job{
		Template: template,
		Subject:  params.Subject,
		Email:    params.Email,
		Data:     params.Data,
	}
	for _, a := range params.Attachments {
		uploaded, err := s.upload(ctx, a)
		if err != nil {
			return err
		}
		j.Attachments = append(j.Attachments, uploaded)
	}

	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.queue.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("cannot enqueue email to %s: %w", params.Email, err)
	}
	logger.FromContext(ctx).Infof("email '%s' to %s enqueued", template, params.Email)
	return nil
}

func (s *SQSSender) upload(ctx context.Context, a Attachment) (attachment, error) {
	if s.uploader == nil || s.bucket == "" {
		return attachment{}, fmt.Errorf("cannot send attachment %s: no attachment bucket configured", a.Name)
	}
	key := path.Join("mail-attachments", uuid.New().String(), a.Name)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(a.Data),
	}
	if a.ContentType != "" {
		input.ContentType = aws.String(a.ContentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return attachment{}, fmt.Errorf("cannot upload attachment %s: %w", a.Name, err)
	}
	return attachment{Name: a.Name, ContentType: a.ContentType, Bucket: s.bucket, Key: key}, nil
}
