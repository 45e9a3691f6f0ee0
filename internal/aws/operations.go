package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	rttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// High-level AWS service operations used by the kbchat services. Read-only
// directory listings go through the ResponseCache.

// ---- IAM operations ----

type IAMUser struct {
	UserName   string    `json:"user_name"`
	ARN        string    `json:"arn"`
	UserID     string    `json:"user_id"`
	CreateDate time.Time `json:"create_date"`
}

// GetIAMUser performs iam:GetUser. An empty userName resolves the caller.
func (f *ClientFactory) GetIAMUser(ctx context.Context, creds SessionCredentials, userName string) (*IAMUser, error) {
	if err := f.rateLimiter.Wait(ctx, "iam"); err != nil {
		return nil, err
	}

	input := &iam.GetUserInput{}
	if userName != "" {
		input.UserName = aws.String(userName)
	}
	out, err := f.IAMClient(creds).GetUser(ctx, input)
	f.logAPICall("iam", "GetUser", map[string]string{"user": userName}, err)
	if err != nil {
		return nil, fmt.Errorf("GetUser(%s): %w", userName, err)
	}
	if out.User == nil {
		return nil, fmt.Errorf("GetUser(%s): empty response", userName)
	}

	u := &IAMUser{
		UserName: aws.ToString(out.User.UserName),
		ARN:      aws.ToString(out.User.Arn),
		UserID:   aws.ToString(out.User.UserId),
	}
	if out.User.CreateDate != nil {
		u.CreateDate = *out.User.CreateDate
	}
	return u, nil
}

// Tag is one IAM user tag.
type Tag struct {
	Key   string
	Value string
}

// ListIAMUserTags returns every tag on the named user in the order IAM
// lists them.
func (f *ClientFactory) ListIAMUserTags(ctx context.Context, creds SessionCredentials, userName string) ([]Tag, error) {
	client := f.IAMClient(creds)
	var tags []Tag
	input := &iam.ListUserTagsInput{UserName: aws.String(userName)}
	for {
		if err := f.rateLimiter.Wait(ctx, "iam"); err != nil {
			return nil, err
		}
		out, err := client.ListUserTags(ctx, input)
		f.logAPICall("iam", "ListUserTags", map[string]string{"user": userName}, err)
		if err != nil {
			return nil, fmt.Errorf("ListUserTags(%s): %w", userName, err)
		}
		for _, t := range out.Tags {
			tags = append(tags, Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
		}
		if !out.IsTruncated || out.Marker == nil {
			break
		}
		input.Marker = out.Marker
	}
	return tags, nil
}

// ---- Bedrock knowledge base operations ----

type KnowledgeBaseSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListKnowledgeBases lists every knowledge base visible to the caller,
// requesting pageSize entries per call.
func (f *ClientFactory) ListKnowledgeBases(ctx context.Context, creds SessionCredentials, pageSize int32) ([]KnowledgeBaseSummary, error) {
	cacheKey := "bedrock:kbs:" + creds.AccessKeyID + ":" + creds.Region
	if cached, ok := f.cache.Get(cacheKey); ok {
		return cached.([]KnowledgeBaseSummary), nil
	}

	client := f.BedrockAgentClient(creds)
	var kbs []KnowledgeBaseSummary
	paginator := bedrockagent.NewListKnowledgeBasesPaginator(client, &bedrockagent.ListKnowledgeBasesInput{
		MaxResults: aws.Int32(pageSize),
	})
	for paginator.HasMorePages() {
		if err := f.rateLimiter.Wait(ctx, "bedrock-agent"); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		f.logAPICall("bedrock-agent", "ListKnowledgeBases", nil, err)
		if err != nil {
			return nil, fmt.Errorf("ListKnowledgeBases: %w", err)
		}
		for _, kb := range page.KnowledgeBaseSummaries {
			s := KnowledgeBaseSummary{
				ID:          aws.ToString(kb.KnowledgeBaseId),
				Name:        aws.ToString(kb.Name),
				Status:      string(kb.Status),
				Description: aws.ToString(kb.Description),
			}
			if kb.UpdatedAt != nil {
				s.UpdatedAt = *kb.UpdatedAt
			}
			kbs = append(kbs, s)
		}
	}
	f.cache.Put(cacheKey, kbs)
	return kbs, nil
}

type DataSourceSummary struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	Description     string    `json:"description"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ListDataSources lists the data sources attached to a knowledge base.
func (f *ClientFactory) ListDataSources(ctx context.Context, creds SessionCredentials, kbID string, pageSize int32) ([]DataSourceSummary, error) {
	cacheKey := "bedrock:ds:" + creds.AccessKeyID + ":" + creds.Region + ":" + kbID
	if cached, ok := f.cache.Get(cacheKey); ok {
		return cached.([]DataSourceSummary), nil
	}

	client := f.BedrockAgentClient(creds)
	var sources []DataSourceSummary
	paginator := bedrockagent.NewListDataSourcesPaginator(client, &bedrockagent.ListDataSourcesInput{
		KnowledgeBaseId: aws.String(kbID),
		MaxResults:      aws.Int32(pageSize),
	})
	for paginator.HasMorePages() {
		if err := f.rateLimiter.Wait(ctx, "bedrock-agent"); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		f.logAPICall("bedrock-agent", "ListDataSources", map[string]string{"knowledge_base_id": kbID}, err)
		if err != nil {
			return nil, fmt.Errorf("ListDataSources(%s): %w", kbID, err)
		}
		for _, ds := range page.DataSourceSummaries {
			s := DataSourceSummary{
				ID:              aws.ToString(ds.DataSourceId),
				KnowledgeBaseID: aws.ToString(ds.KnowledgeBaseId),
				Name:            aws.ToString(ds.Name),
				Status:          string(ds.Status),
				Description:     aws.ToString(ds.Description),
			}
			if ds.UpdatedAt != nil {
				s.UpdatedAt = *ds.UpdatedAt
			}
			sources = append(sources, s)
		}
	}
	f.cache.Put(cacheKey, sources)
	return sources, nil
}

// DataSourceS3Config is the S3 location backing a data source.
type DataSourceS3Config struct {
	BucketARN         string   `json:"bucket_arn"`
	InclusionPrefixes []string `json:"inclusion_prefixes"`
}

// GetDataSourceS3Config reads the S3 configuration of a data source. It
// returns a nil config when the data source is not S3-backed.
func (f *ClientFactory) GetDataSourceS3Config(ctx context.Context, creds SessionCredentials, kbID, dsID string) (*DataSourceS3Config, error) {
	if err := f.rateLimiter.Wait(ctx, "bedrock-agent"); err != nil {
		return nil, err
	}

	out, err := f.BedrockAgentClient(creds).GetDataSource(ctx, &bedrockagent.GetDataSourceInput{
		KnowledgeBaseId: aws.String(kbID),
		DataSourceId:    aws.String(dsID),
	})
	f.logAPICall("bedrock-agent", "GetDataSource", map[string]string{"knowledge_base_id": kbID, "data_source_id": dsID}, err)
	if err != nil {
		return nil, fmt.Errorf("GetDataSource(%s/%s): %w", kbID, dsID, err)
	}
	if out.DataSource == nil || out.DataSource.DataSourceConfiguration == nil ||
		out.DataSource.DataSourceConfiguration.S3Configuration == nil {
		return nil, nil
	}

	s3cfg := out.DataSource.DataSourceConfiguration.S3Configuration
	return &DataSourceS3Config{
		BucketARN:         aws.ToString(s3cfg.BucketArn),
		InclusionPrefixes: s3cfg.InclusionPrefixes,
	}, nil
}

// ---- Bedrock runtime operations ----

// RAGRequest describes a single retrieve-and-generate call.
type RAGRequest struct {
	Query           string
	KnowledgeBaseID string
	ModelID         string
	NumberOfResults int32
	Temperature     float32
	MaxTokens       int32
}

// RAGCitation is one retrieved passage supporting the answer.
type RAGCitation struct {
	Text string `json:"text"`
	URI  string `json:"uri"`
}

type RAGResult struct {
	Text      string        `json:"text"`
	SessionID string        `json:"session_id"`
	Citations []RAGCitation `json:"citations"`
}

// ModelARN expands a bare foundation model id into its ARN.
func ModelARN(region, modelID string) string {
	if strings.HasPrefix(modelID, "arn:") {
		return modelID
	}
	return fmt.Sprintf("arn:aws:bedrock:%s::foundation-model/%s", region, modelID)
}

// RetrieveAndGenerate queries a knowledge base and generates an answer.
func (f *ClientFactory) RetrieveAndGenerate(ctx context.Context, creds SessionCredentials, req RAGRequest) (*RAGResult, error) {
	if err := f.rateLimiter.Wait(ctx, "bedrock-agent-runtime"); err != nil {
		return nil, err
	}

	kbConfig := &rttypes.KnowledgeBaseRetrieveAndGenerateConfiguration{
		KnowledgeBaseId: aws.String(req.KnowledgeBaseID),
		ModelArn:        aws.String(ModelARN(creds.Region, req.ModelID)),
	}
	if req.NumberOfResults > 0 {
		kbConfig.RetrievalConfiguration = &rttypes.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &rttypes.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults: aws.Int32(req.NumberOfResults),
			},
		}
	}
	if req.MaxTokens > 0 {
		kbConfig.GenerationConfiguration = &rttypes.GenerationConfiguration{
			InferenceConfig: &rttypes.InferenceConfig{
				TextInferenceConfig: &rttypes.TextInferenceConfig{
					MaxTokens:   aws.Int32(req.MaxTokens),
					Temperature: aws.Float32(req.Temperature),
				},
			},
		}
	}

	out, err := f.BedrockAgentRuntimeClient(creds).RetrieveAndGenerate(ctx, &bedrockagentruntime.RetrieveAndGenerateInput{
		Input: &rttypes.RetrieveAndGenerateInput{Text: aws.String(req.Query)},
		RetrieveAndGenerateConfiguration: &rttypes.RetrieveAndGenerateConfiguration{
			Type:                       rttypes.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: kbConfig,
		},
	})
	f.logAPICall("bedrock-agent-runtime", "RetrieveAndGenerate", map[string]string{
		"knowledge_base_id": req.KnowledgeBaseID,
		"model_id":          req.ModelID,
	}, err)
	if err != nil {
		return nil, fmt.Errorf("RetrieveAndGenerate(%s): %w", req.KnowledgeBaseID, err)
	}

	result := &RAGResult{SessionID: aws.ToString(out.SessionId)}
	if out.Output != nil {
		result.Text = aws.ToString(out.Output.Text)
	}
	for _, c := range out.Citations {
		for _, ref := range c.RetrievedReferences {
			rc := RAGCitation{}
			if ref.Content != nil {
				rc.Text = aws.ToString(ref.Content.Text)
			}
			if ref.Location != nil && ref.Location.S3Location != nil {
				rc.URI = aws.ToString(ref.Location.S3Location.Uri)
			}
			result.Citations = append(result.Citations, rc)
		}
	}
	return result, nil
}

// ---- S3 operations ----

type S3ObjectSummary struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag"`
	StorageClass string    `json:"storage_class"`
}

// ListS3Objects returns at most maxKeys objects under prefix.
func (f *ClientFactory) ListS3Objects(ctx context.Context, creds SessionCredentials, bucket, prefix string, maxKeys int32) ([]S3ObjectSummary, error) {
	if err := f.rateLimiter.Wait(ctx, "s3"); err != nil {
		return nil, err
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  &bucket,
		MaxKeys: &maxKeys,
	}
	if prefix != "" {
		input.Prefix = &prefix
	}

	out, err := f.S3Client(creds).ListObjectsV2(ctx, input)
	f.logAPICall("s3", "ListObjectsV2", map[string]string{"bucket": bucket, "prefix": prefix}, err)
	if err != nil {
		return nil, fmt.Errorf("ListObjectsV2(%s): %w", bucket, err)
	}

	objects := make([]S3ObjectSummary, 0, len(out.Contents))
	for _, o := range out.Contents {
		obj := S3ObjectSummary{
			Key:          aws.ToString(o.Key),
			Size:         aws.ToInt64(o.Size),
			ETag:         aws.ToString(o.ETag),
			StorageClass: string(o.StorageClass),
		}
		if o.LastModified != nil {
			obj.LastModified = *o.LastModified
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// ---- Lambda operations ----

// InvokeFunction synchronously invokes a function and returns its payload.
// A function-level error is reported with the payload as its message.
func (f *ClientFactory) InvokeFunction(ctx context.Context, creds SessionCredentials, functionName string, payload []byte) ([]byte, error) {
	if err := f.rateLimiter.Wait(ctx, "lambda"); err != nil {
		return nil, err
	}

	out, err := f.LambdaClient(creds).Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(functionName),
		Payload:      payload,
	})
	f.logAPICall("lambda", "Invoke", map[string]string{"function": functionName}, err)
	if err != nil {
		return nil, fmt.Errorf("Invoke(%s): %w", functionName, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("Invoke(%s): %s: %s", functionName, aws.ToString(out.FunctionError), string(out.Payload))
	}
	return out.Payload, nil
}

// ---- SSM operations ----

// GetSSMParameterValue retrieves a parameter value.
func (f *ClientFactory) GetSSMParameterValue(ctx context.Context, creds SessionCredentials, name string, withDecryption bool) (string, error) {
	cacheKey := "ssm:param:" + creds.AccessKeyID + ":" + creds.Region + ":" + name
	if cached, ok := f.cache.Get(cacheKey); ok {
		return cached.(string), nil
	}
	if err := f.rateLimiter.Wait(ctx, "ssm"); err != nil {
		return "", err
	}

	out, err := f.SSMClient(creds).GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	f.logAPICall("ssm", "GetParameter", map[string]string{"name": name}, err)
	if err != nil {
		return "", fmt.Errorf("GetParameter(%s): %w", name, err)
	}
	if out.Parameter == nil {
		return "", fmt.Errorf("GetParameter(%s): empty response", name)
	}
	value := aws.ToString(out.Parameter.Value)
	f.cache.Put(cacheKey, value)
	return value, nil
}

// ---- CloudWatch Logs operations ----

type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
}

// FilterLogEvents returns up to limit events from a log group since the given time.
func (f *ClientFactory) FilterLogEvents(ctx context.Context, creds SessionCredentials, group string, since time.Time, limit int32) ([]LogEvent, error) {
	if err := f.rateLimiter.Wait(ctx, "logs"); err != nil {
		return nil, err
	}

	out, err := f.CloudWatchLogsClient(creds).FilterLogEvents(ctx, &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(group),
		StartTime:    aws.Int64(since.UnixMilli()),
		Limit:        aws.Int32(limit),
	})
	f.logAPICall("logs", "FilterLogEvents", map[string]string{"group": group}, err)
	if err != nil {
		return nil, fmt.Errorf("FilterLogEvents(%s): %w", group, err)
	}

	events := make([]LogEvent, 0, len(out.Events))
	for _, e := range out.Events {
		events = append(events, LogEvent{
			Timestamp: time.UnixMilli(aws.ToInt64(e.Timestamp)),
			Stream:    aws.ToString(e.LogStreamName),
			Message:   strings.TrimRight(aws.ToString(e.Message), "\n"),
		})
	}
	return events, nil
}
