// Package alerts evaluates threshold rules against completed run reports and
// delivers firing/resolved notifications to Slack, Teams or generic HTTP
// webhooks.
package alerts
