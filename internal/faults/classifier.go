package faults

import (
	"strings"
)

// Classify maps a raw failure onto the taxonomy using message substrings
// and the HTTP status carried in the context, when present.
func Classify(err error, ctx ErrorContext) ErrorType {
	if err == nil {
		return TypeUnknown
	}

	switch ctx.HTTPStatus {
	case 401:
		return TypeAuthentication
	case 403:
		return TypeAuthorization
	case 404:
		return TypeResourceNotFound
	case 408:
		return TypeTimeout
	case 409:
		return TypeDuplicateRecord
	case 422:
		return TypeValidation
	}
	if ctx.HTTPStatus >= 500 {
		return TypeExternalService
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return TypeTimeout
	case containsAny(msg, "connection refused", "connection reset", "no such host", "network", "dial tcp", "broken pipe"):
		return TypeNetwork
	case containsAny(msg, "unauthorized", "authentication", "invalid credentials", "token expired"):
		return TypeAuthentication
	case containsAny(msg, "forbidden", "permission denied", "access denied"):
		return TypeAuthorization
	case containsAny(msg, "duplicate", "already exists"):
		return TypeDuplicateRecord
	case containsAny(msg, "constraint", "foreign key", "unique violation"):
		return TypeConstraintViolation
	case containsAny(msg, "not found", "does not exist", "unknown resource"):
		return TypeResourceNotFound
	case containsAny(msg, "parse", "unmarshal", "malformed", "unexpected token"):
		return TypeParsing
	case containsAny(msg, "transform", "mapping rule"):
		return TypeTransformation
	case containsAny(msg, "invalid", "validation", "required field", "bad request"):
		return TypeValidation
	case containsAny(msg, "config", "misconfigured", "missing setting"):
		return TypeConfiguration
	case containsAny(msg, "business rule", "not eligible", "not allowed by policy"):
		return TypeBusinessLogic
	case containsAny(msg, "upstream", "external service", "service unavailable", "bad gateway"):
		return TypeExternalService
	default:
		return TypeUnknown
	}
}

// CategoryOf derives the reporting category from the taxonomy type.
func CategoryOf(t ErrorType) ErrorCategory {
	switch t {
	case TypeNetwork, TypeTimeout, TypeConfiguration, TypeUnknown:
		return CategorySystem
	case TypeAuthentication, TypeAuthorization:
		return CategorySecurity
	case TypeValidation, TypeParsing, TypeTransformation, TypeDuplicateRecord, TypeConstraintViolation, TypeResourceNotFound:
		return CategoryData
	case TypeBusinessLogic:
		return CategoryBusiness
	case TypeExternalService:
		return CategoryIntegration
	default:
		return CategorySystem
	}
}

// SeverityOf derives severity from type and context. Auth failures are
// always critical; external-service and business-logic failures are high;
// any error carrying a patient identifier is promoted to at least high.
func SeverityOf(t ErrorType, ctx ErrorContext) ErrorSeverity {
	var severity ErrorSeverity
	switch t {
	case TypeAuthentication, TypeAuthorization:
		severity = SeverityCritical
	case TypeExternalService, TypeBusinessLogic:
		severity = SeverityHigh
	default:
		severity = SeverityMedium
	}

	if ctx.PatientID != "" && severity != SeverityCritical {
		severity = SeverityHigh
	}
	return severity
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
