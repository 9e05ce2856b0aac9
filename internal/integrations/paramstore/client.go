package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Client reads relay secrets stored as SSM SecureString parameters.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameters fetches and decrypts the named parameters in one call. Every
// requested name must exist; the result maps name to value.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	clean := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, errors.New("paramstore: name is required")
		}
		clean = append(clean, n)
	}

	withDecryption := true
	out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          clean,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return nil, fmt.Errorf("paramstore: get parameters: %w", err)
	}
	if out == nil {
		return nil, errors.New("paramstore: empty response")
	}
	if len(out.InvalidParameters) > 0 {
		return nil, fmt.Errorf("paramstore: parameters not found: %s", strings.Join(out.InvalidParameters, ", "))
	}

	values := make(map[string]string, len(out.Parameters))
	for _, p := range out.Parameters {
		if p.Name == nil || p.Value == nil {
			return nil, errors.New("paramstore: parameter missing value")
		}
		values[*p.Name] = *p.Value
	}
	for _, n := range clean {
		if _, ok := values[n]; !ok {
			return nil, fmt.Errorf("paramstore: parameter %q missing from response", n)
		}
	}
	return values, nil
}
