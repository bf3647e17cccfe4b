package batchload

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultStatementTimeoutMillis = 60000
	statementBudgetReserve        = 10 * time.Second
)

// LoadStatementParams is everything one COPY transaction is built from.
// Secrets are already decrypted.
type LoadStatementParams struct {
	Config       WatchConfig
	Target       LoadTarget
	ManifestPath string
	Credentials  Credentials
	SymmetricKey string
	// TimeoutMillis becomes the statement timeout; zero or less uses the
	// 60 second default.
	TimeoutMillis int64
}

// StatementTimeout derives the statement timeout from the time left until
// deadline, keeping a ten second reserve for closing the batch. Without a
// deadline the default applies.
func StatementTimeout(deadline time.Time, hasDeadline bool, now time.Time) (int64, error) {
	if !hasDeadline {
		return defaultStatementTimeoutMillis, nil
	}
	remaining := deadline.Sub(now)
	if remaining < statementBudgetReserve {
		return 0, fmt.Errorf("%w: %s left before deadline", ErrInsufficientBudget, remaining.Round(time.Millisecond))
	}
	return (remaining - statementBudgetReserve).Milliseconds(), nil
}

// BuildLoadStatement renders the transaction that loads the manifest into
// one target table.
func BuildLoadStatement(p LoadStatementParams) (string, error) {
	cfg := p.Config
	var sb strings.Builder

	timeout := p.TimeoutMillis
	if timeout <= 0 {
		timeout = defaultStatementTimeoutMillis
	}
	fmt.Fprintf(&sb, "set statement_timeout to %d;\n", timeout)
	sb.WriteString("begin;\n")
	if p.Target.PreSQL != "" {
		sb.WriteString(terminated(p.Target.PreSQL))
		sb.WriteString("\n")
	}
	if p.Target.TruncateTarget {
		fmt.Fprintf(&sb, "truncate table %s;\n", p.Target.Table)
	}

	credentials := "aws_access_key_id=" + p.Credentials.AccessKeyID + ";aws_secret_access_key=" + p.Credentials.SecretAccessKey
	if p.Credentials.SessionToken != "" {
		credentials += ";token=" + p.Credentials.SessionToken
	}

	if p.Target.ColumnList == "" {
		fmt.Fprintf(&sb, "COPY %s from 's3://%s'", p.Target.Table, p.ManifestPath)
	} else {
		fmt.Fprintf(&sb, "COPY %s (%s) from 's3://%s'", p.Target.Table, p.Target.ColumnList, p.ManifestPath)
	}

	var opts strings.Builder
	opts.WriteString("manifest ")
	switch cfg.DataFormat {
	case FormatCSV:
		upper := strings.ToUpper(cfg.CopyOptions)
		if !strings.Contains(upper, "REMOVEQUOTES") && !strings.Contains(upper, "ESCAPE") {
			opts.WriteString("format csv ")
		}
		fmt.Fprintf(&opts, "delimiter '%s'\n", cfg.CSVDelimiter)
		if cfg.IgnoreCSVHeader {
			opts.WriteString(" IGNOREHEADER 1 \n")
		}
	case FormatJSON, FormatAVRO:
		fmt.Fprintf(&opts, " format %s", cfg.DataFormat)
		if cfg.JSONPath != "" {
			fmt.Fprintf(&opts, " '%s' \n", cfg.JSONPath)
		} else {
			opts.WriteString(" 'auto' \n")
		}
	case FormatParquet, FormatORC:
		fmt.Fprintf(&opts, " format as %s", cfg.DataFormat)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, cfg.DataFormat)
	}
	if cfg.Compression != "" {
		fmt.Fprintf(&opts, " %s\n", cfg.Compression)
	}
	if cfg.CopyOptions != "" {
		opts.WriteString(cfg.CopyOptions)
		opts.WriteString("\n")
	}
	if cfg.EncryptedMasterSymmetricKey != "" {
		if p.SymmetricKey == "" {
			return "", fmt.Errorf("%w: master symmetric key did not decrypt to a value", ErrInvalidInput)
		}
		opts.WriteString("encrypted\n")
		credentials += ";master_symmetric_key=" + p.SymmetricKey
	}

	fmt.Fprintf(&sb, " with credentials as '%s' %s;\n", credentials, opts.String())
	if p.Target.PostSQL != "" {
		sb.WriteString(terminated(p.Target.PostSQL))
		sb.WriteString("\n")
	}
	sb.WriteString("commit;")
	return sb.String(), nil
}

func terminated(stmt string) string {
	if strings.HasSuffix(stmt, ";") {
		return stmt
	}
	return stmt + ";"
}
