package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

const NameSES = "ses"

// sesAPI is the subset of the SES v2 client used by SESProvider.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESOptions configures the Amazon SES provider.
type SESOptions struct {
	Region    string
	AccessKey string
	SecretKey string
}

// SESProvider delivers through Amazon SES v2 simple messages.
type SESProvider struct {
	client sesAPI
}

func NewSESProvider(ctx context.Context, opts SESOptions) (*SESProvider, error) {
	if strings.TrimSpace(opts.AccessKey) == "" || strings.TrimSpace(opts.SecretKey) == "" {
		return nil, fmt.Errorf("ses access key and secret key are required")
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return newSESProviderWithClient(sesv2.NewFromConfig(cfg)), nil
}

func newSESProviderWithClient(client sesAPI) *SESProvider {
	return &SESProvider{client: client}
}

func (p *SESProvider) Name() string { return NameSES }

func (p *SESProvider) Capabilities() Capabilities {
	return Capabilities{SupportsAttachments: false, SupportsBCC: true, MaxRecipientsPerRequest: 50}
}

func (p *SESProvider) Send(ctx context.Context, req *domain.SendRequest) (*SendResult, error) {
	body := &types.Body{}
	if req.HTML != "" {
		body.Html = &types.Content{Data: aws.String(req.HTML), Charset: aws.String("UTF-8")}
	}
	if req.Text != "" {
		body.Text = &types.Content{Data: aws.String(req.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(req.From),
		Destination: &types.Destination{
			ToAddresses:  req.To,
			CcAddresses:  req.CC,
			BccAddresses: req.BCC,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if req.ReplyTo != "" {
		input.ReplyToAddresses = []string{req.ReplyTo}
	}
	for name, value := range req.Tags {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}
	if out == nil || aws.ToString(out.MessageId) == "" {
		return nil, &ProviderError{Provider: NameSES, Message: "response did not include a message id", Kind: KindTransient}
	}

	return &SendResult{Provider: NameSES, MessageID: aws.ToString(out.MessageId), StatusCode: 200}, nil
}

func (p *SESProvider) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	out, err := p.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return healthFromErr(start, classifySESError(err))
	}
	if !out.SendingEnabled {
		return healthFromErr(start, errors.New("ses sending is disabled for this account"))
	}
	return healthFromErr(start, nil)
}

// classifySESError maps SES API error codes onto provider error kinds.
func classifySESError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return transportError(NameSES, err)
	}

	kind := KindPermanent
	switch apiErr.ErrorCode() {
	case "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch",
		"AccessDeniedException", "IncompleteSignature", "MissingAuthenticationToken":
		kind = KindAuth
	case "TooManyRequestsException", "LimitExceededException", "ThrottlingException",
		"ServiceUnavailable", "InternalFailure":
		kind = KindTransient
	default:
		if apiErr.ErrorFault() == smithy.FaultServer {
			kind = KindTransient
		}
	}

	return &ProviderError{
		Provider: NameSES,
		Message:  fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()),
		Kind:     kind,
		Cause:    err,
	}
}
