package recovery

import "strings"

// RemediationSeparator joins remediation steps into one string.
const RemediationSeparator = "; "

var remediationSteps = map[string][]string{
	"ConnectionError": {
		"Verify the endpoint URL and port in the endpoint configuration",
		"Check network connectivity and firewall rules to the test endpoint",
		"Retry the batch once the endpoint is reachable",
	},
	"TimeoutError": {
		"Increase endpoint.timeout if the endpoint is slow",
		"Check endpoint load and network latency",
		"Re-drive the queued patients with 'ihebatch retry'",
	},
	"ServiceUnavailableError": {
		"Wait for the endpoint to recover and retry",
		"Check the endpoint status page or contact its operator",
		"Reduce submission rate if the endpoint is throttling",
	},
	"ValidationError": {
		"Correct the invalid field value in the CSV row",
		"Check date fields use YYYYMMDD or YYYY-MM-DD",
		"Re-run the corrected rows",
	},
	"MissingFieldError": {
		"Add the missing column or value to the CSV",
		"Check the template placeholders match the CSV column names",
	},
	"RegistrationRejectedError": {
		"Review the acknowledgement detail returned by the endpoint",
		"Verify the patient identifier domain OID is accepted by the endpoint",
		"Correct the patient demographics and resubmit",
	},
	"DuplicateIdentifierError": {
		"Use a different patient identifier or leave it blank to synthesize one",
		"Remove the existing registration from the test endpoint",
		"Run with a new seed to generate fresh identifiers",
	},
	"MalformedResponseError": {
		"Inspect the raw endpoint response in the debug log",
		"Confirm the endpoint implements the expected transaction",
	},
	"CertificateError": {
		"Check the certificate has not expired and is already valid",
		"Verify assertion.cert_path and assertion.key_path point to a matching pair",
		"Ensure the issuing CA is listed in endpoint.ca_path",
		"Renew the certificate if necessary",
	},
	"TLSError": {
		"Verify the endpoint supports TLS 1.2 or later",
		"Check the client certificate is trusted by the endpoint",
		"Confirm endpoint.ca_path contains the endpoint's CA chain",
	},
	"ConfigurationError": {
		"Review the configuration file for missing or invalid values",
		"Check environment variables referenced by the configuration",
		"Run with --debug to see the loaded configuration",
	},
	"TemplateError": {
		"Verify template.path exists and is readable",
		"Check the template is well-formed XML",
		"Check placeholder syntax in the template",
	},
	"SigningError": {
		"Verify the private key matches the certificate",
		"Check the key type is RSA or ECDSA",
	},
	"IDGenerationError": {
		"Check the system random source is available",
		"Increase batch.max_id_retries",
		"Report the failure if it persists",
	},
	"PanicError": {
		"Run with --debug and capture the log",
		"Report the failure with the offending CSV row",
	},
	TypeBatchInterrupted: {
		"Re-run the batch to process the remaining patients",
		"Use the same seed to reproduce synthesized identifiers",
	},
}

var fallbackSteps = []string{
	"Review the error message and the debug log",
	"Retry with --debug for more detail",
	"Report the failure if it persists",
}

// RemediationSteps returns the operator steps for an error type name.
func RemediationSteps(errorType string) []string {
	if steps, ok := remediationSteps[errorType]; ok {
		return steps
	}
	return fallbackSteps
}

// Remediation returns the steps for errorType as a single string.
func Remediation(errorType string) string {
	return strings.Join(RemediationSteps(errorType), RemediationSeparator)
}
