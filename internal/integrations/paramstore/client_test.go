package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
}

func (f *fakeAPI) GetParameter(_ context.Context, _ *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/bot/oidc-client-secret"), Value: strPtr("s3cr3t"),
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", v)
}

func TestGetParameter_HappyPath_SecureString(t *testing.T) {
	typeStr := "SecureString"
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/bot/oidc-client-secret"), Value: strPtr("s3cr3t"), Type: types.ParameterType(typeStr),
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", v)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("boom")}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	api := &fakeAPI{}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

type countingGetter struct {
	vals  []string
	errs  []error
	calls int
}

func (g *countingGetter) GetParameter(_ context.Context, _ string) (string, error) {
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.vals) {
		return g.vals[i], nil
	}
	return g.vals[len(g.vals)-1], nil
}

func TestNewSecret_Validates(t *testing.T) {
	_, err := NewSecret(nil, "/bot/oidc-client-secret")
	require.Error(t, err)

	_, err = NewSecret(&countingGetter{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestSecret_CachedAfterFirstLoad(t *testing.T) {
	g := &countingGetter{vals: []string{" s3cr3t \n"}}
	s, err := NewSecret(g, "/bot/oidc-client-secret")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, err := s.Value(context.Background())
		require.NoError(t, err)
		require.Equal(t, "s3cr3t", v)
	}
	require.Equal(t, 1, g.calls, "SSM must only be called once per process lifetime")
}

func TestSecret_FailureIsRetried(t *testing.T) {
	g := &countingGetter{errs: []error{errors.New("throttled")}, vals: []string{"", "s3cr3t"}}
	s, err := NewSecret(g, "/bot/oidc-client-secret")
	require.NoError(t, err)

	_, err = s.Value(context.Background())
	require.ErrorContains(t, err, "throttled")

	v, err := s.Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", v)
	require.Equal(t, 2, g.calls)
}

func TestSecret_EmptyValue(t *testing.T) {
	s, err := NewSecret(&countingGetter{vals: []string{"  "}}, "/bot/oidc-client-secret")
	require.NoError(t, err)
	_, err = s.Value(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "is empty")
}
