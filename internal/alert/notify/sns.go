// internal/alert/notify/sns.go
package notify

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	stderrors "expense-alerts/internal/common/errors"
)

// SNSAPI is the slice of the SNS client used here, for mocking.
type SNSAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error)
}

// SNSNotifier delivers SMS escalations through AWS SNS.
type SNSNotifier struct {
	client SNSAPI
}

func NewSNSNotifier(client SNSAPI) *SNSNotifier {
	return &SNSNotifier{client: client}
}

func (n *SNSNotifier) SendSMS(ctx context.Context, phone, message string) (string, error) {
	out, err := n.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(message),
	})
	if err != nil {
		return "", stderrors.NewNotificationSendFailedError(phone, err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return messageID, nil
}
