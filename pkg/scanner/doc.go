/*
Package scanner redacts secrets from container log streams.

A Stream wraps the destination writer and masks every pattern match
with same-length asterisks before the bytes land anywhere durable. The
stream holds back a carry tail one byte shorter than the longest
pattern, so matches split across writes are still caught while memory
stays constant. Matched bytes never leave the package; hits surface as
kind, severity and byte offset only.
*/
package scanner
