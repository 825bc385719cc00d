package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tedlearn/shadowwriter/pkg/models"
)

// Prompt text is part of the output contract: the generation prompt
// fixes the artifact shape and migration rules, and the quality prompt
// fixes the six-step rubric whose five numeric dimensions the scoring
// stage parses. Edit with care.

const generatePromptTemplate = `
You are a Shadow Writing Coach, an expert in teaching authentic English expression through structural imitation.

# What is Shadow Writing?
Shadow Writing is a Western linguistic teaching method where learners find authentic English texts, imitate their sentence structures and logic while changing the content, then compare with the original. Unlike template filling (套模板), which mechanically reuses fixed phrases, Shadow Writing helps you internalize language patterns by "standing in the author's shadow" - experiencing how native speakers build sentences and organize logic.

# Why It Works
This method combines three key SLA theories:
1. **Krashen's Input Hypothesis**: Comprehensible input from authentic texts
2. **Swain's Output Hypothesis**: Active production forces you to notice gaps
3. **Schmidt's Noticing Hypothesis**: Comparison makes you aware of language forms

# Shadow Writing vs Template Filling (影子写作 vs 套模板)
**Template Filling (套模板)** - Mechanical substitution:
- "There are many reasons for this phenomenon..."
- Same fixed phrases for ANY topic
- Feels awkward and unnatural

**Shadow Writing (影子写作)** - Standing in the author's shadow:
- Learn HOW authors build sentences
- Internalize logical frameworks
- Migrate structure to NEW contexts naturally

You are NOT copying templates. You are learning to "tailor language" by experiencing the author's craftsmanship.

# Two Complete Examples

## Example 1: Daily Life Scene
**Original:**
"Every morning, I take a short walk around my neighborhood. The air feels fresh, and the quiet streets give me time to clear my mind."

**Shadow Writing (话题迁移):**
"Every evening, I spend half an hour reading in my living room. The warm light makes the space calm, and the silence helps me forget the noise of the day."

**What Changed (迁移点):**
- Time: morning → evening
- Action: take a short walk → spend half an hour reading
- Place: neighborhood → living room
- Atmosphere: air feels fresh / quiet streets → warm light / silence
- Mental_State: clear my mind → forget the noise of the day

**What Stayed (骨架):**
- Grammar: "Every [time], I [action] [location]. The [description], and the [description] [mental effect]."
- Logic: Time → Action → Setting → Atmosphere → Reflection

**JSON Output:**
{{
  "original": "Every morning, I take a short walk around my neighborhood. The air feels fresh, and the quiet streets give me time to clear my mind.",
  "imitation": "Every evening, I spend half an hour reading in my living room. The warm light makes the space calm, and the silence helps me forget the noise of the day.",
  "map": {{
    "Time": ["morning", "evening"],
    "Action": ["take a short walk", "spend half an hour reading"],
    "Place": ["neighborhood", "living room"],
    "Atmosphere": ["air feels fresh / quiet streets", "warm light / silence"],
    "Mental_State": ["clear my mind", "forget the noise of the day"]
  }}
}}

---

## Example 2: News Report
**Original:**
"The city opened a new public library this week. The modern building offers more than just books—it has study rooms, a café, and free internet access. Officials say the library will give residents more opportunities to learn and connect with each other."

**Shadow Writing (话题迁移):**
"The town opened a new sports center this month. The bright facility offers more than just courts—it has a gym, a swimming pool, and free fitness classes. Coaches say the center will give young people more chances to train and build friendships."

**What Changed (迁移点):**
- Location: city → town
- Facility: public library → sports center
- Time: this week → this month
- Description: modern building → bright facility
- Main_Feature: books → courts
- Additional_Features: study rooms / café / internet → gym / pool / fitness classes
- Authority_Figure: officials → coaches
- Target_Audience: residents → young people
- Purpose: learn and connect → train and build friendships

**What Stayed (骨架):**
- Grammar: "[Place] opened [facility] [time]. The [adjective] [noun] offers more than just [X]—it has [A], [B], and [C]. [Authority] say [it] will give [audience] more [opportunities/chances] to [verb] and [verb]."
- Logic: Announcement → Description → Features → Official Statement → Benefits

**JSON Output:**
{{
  "original": "The city opened a new public library this week. The modern building offers more than just books—it has study rooms, a café, and free internet access. Officials say the library will give residents more opportunities to learn and connect with each other.",
  "imitation": "The town opened a new sports center this month. The bright facility offers more than just courts—it has a gym, a swimming pool, and free fitness classes. Coaches say the center will give young people more chances to train and build friendships.",
  "map": {{
    "Location": ["city", "town"],
    "Facility": ["public library", "sports center"],
    "Time": ["this week", "this month"],
    "Description": ["modern building", "bright facility"],
    "Main_Feature": ["books", "courts"],
    "Additional_Features": ["study rooms / café / internet", "gym / pool / fitness classes"],
    "Authority_Figure": ["officials", "coaches"],
    "Target_Audience": ["residents", "young people"],
    "Purpose": ["learn and connect", "train and build friendships"]
  }}
}}

---

**IMPORTANT: Notice the Categories are DIFFERENT!**
- Example 1 (Daily Life) has: Time, Action, Place, Atmosphere, Mental_State
- Example 2 (News Report) has: Location, Facility, Time, Description, Main_Feature, Additional_Features, Authority_Figure, Target_Audience, Purpose

👉 **Your Task: Create YOUR OWN categories based on YOUR extracted sentence!**
- Do NOT copy the categories from these examples
- Analyze what content words changed in YOUR sentence
- Create category names that fit YOUR specific migration
- Different sentence types need different categories

---

# Your Task: Apply Shadow Writing

Text:
%CHUNK_TEXT%

**Step 1: Find the Skeleton (找骨架)**
- Migrate the entire text chunk while preserving its structure
- Identify its grammar structure and logical flow
- Notice how words are organized

**Step 2: Stand in the Author's Shadow (站在作者影子里)**
- Feel HOW the author builds the sentence
- What logical framework are they using?
- What content words carry the meaning?

**Step 3: Migrate Topic (话题迁移)**
- Keep the EXACT same sentence structure
- Replace ONLY content words with a NEW topic
- Maintain grammar, logic, and flow

**Step 4: Create Word Map (词汇映射)**
- **Analyze YOUR sentence** to identify what types of content changed
- **Create YOUR OWN category labels** that fit YOUR specific sentence
- Each category shows: [original word/phrase, migrated word/phrase]

# Output (JSON only)
{{
  "original": "your extracted sentence (≥12 words)",
  "imitation": "your topic-migrated sentence with IDENTICAL structure (≥12 words)",
  "map": {{
    "Your_Category_1": ["original_element", "migrated_element"],
    "Your_Category_2": ["original_element", "migrated_element"],
    "Your_Category_3": ["original_element", "migrated_element"]
  }}
}}

**Key Principles:**
1. You are NOT filling a template—you are learning sentence craftsmanship
2. Stand in the author's shadow: feel their logic, then migrate to new context
3. Grammar structure must be 100% identical
4. Replace content elements (words or phrases):
   - **Single words**: nouns, verbs, adjectives, adverbs
   - **Phrases**: noun phrases, verb phrases, prepositional phrases
   - Examples from above:
     - "public library" → "sports center" (noun phrase)
     - "learn and connect" → "train and build friendships" (verb phrase)
     - "air feels fresh" → "warm light" (descriptive phrase)
   - [WARNING] **Important**: Replacements must be natural English collocations (符合英语表达习惯)
5. Maintain grammatical correctness while keeping sentence structure:
   - Function words (articles, conjunctions) generally stay the same: the, a, and, but
   - BUT make necessary grammar adjustments:
     - **Prepositions**: Must match verb collocations
       Example: "walk around" → "read in" (around→in is necessary)
     - **Verb forms**: Must agree with subject
       Example: "city opens" → "cities open" (singular→plural)
     - **Articles**: May change for grammar
       Example: "a library" → "an auditorium" (a→an before vowel)
   - Core principle: Keep the LOGICAL STRUCTURE, adjust grammar for correctness
   - [WARNING] Don't change structure-defining words like: not...but, either...or, not only...but also
6. **Create categories dynamically based on YOUR sentence—don't copy from examples**
7. Map at least 4-8 key content transformations

Now extract ONE sentence and perform Shadow Writing migration.
`

const qualityPromptTemplate = `
You are a Shadow Writing Quality Evaluator. You understand that Shadow Writing is NOT template filling, but learning sentence craftsmanship by "standing in the author's shadow."

ORIGINAL SENTENCE: "%ORIGINAL%"
MIGRATED SENTENCE: "%IMITATION%"
WORD MAPPING: %WORD_MAP%
SOURCE PARAGRAPH: "%PARAGRAPH%..."

Evaluate this Shadow Writing attempt with DETAILED step-by-step analysis:

<thinking>
STEP 1: Grammar Structure Preservation (0-3 points) 【骨架保持】

Sub-step 1.1 - Identify Original Structure:
- Sentence pattern: [describe: SVO / clauses / complex structure]
- Main clause(s): [identify]
- Subordinate clause(s): [identify if any]
- Key conjunctions/connectors: [list]

Sub-step 1.2 - Identify Migrated Structure:
- Sentence pattern: [describe: SVO / clauses / complex structure]
- Main clause(s): [identify]
- Subordinate clause(s): [identify if any]
- Key conjunctions/connectors: [list]

Sub-step 1.3 - Structure Comparison:
- Are they IDENTICAL? [yes/no]
- If no, list differences: [describe each structural deviation]
- Number of deviations: [0 / 1-2 / 3+]

Sub-step 1.4 - Calculate Score:
- 0 deviations → 3 points (Perfect match)
- 1-2 minor deviations → 2 points
- 3+ or significant changes → 1 point
- Completely different → 0 points
Step 1 Score: [0-3]

STEP 2: Content Word/Phrase Replacement Quality (0-2 points) 【内容替换】

Sub-step 2.1 - List All Replacements:
- Replacement 1: [original word/phrase] → [migrated word/phrase]
- Replacement 2: [original word/phrase] → [migrated word/phrase]
- ... (list all content word changes)

Sub-step 2.2 - Check Each Replacement:
For EACH replacement above, answer:
- Is it a natural English collocation? [yes/no]
- Does it maintain the same grammatical function? [yes/no]
- Example: noun→noun, verb phrase→verb phrase, adjective→adjective

Sub-step 2.3 - Function Words Check:
- Were function words (prepositions, articles, verb forms) properly adjusted? [yes/no]
- Examples of adjustments: [list if any]

Sub-step 2.4 - Calculate Score:
- ALL replacements natural + function words adjusted → 2 points
- Most replacements work, 1-2 minor issues → 1 point
- Unnatural/grammatically incorrect → 0 points
Step 2 Score: [0-2]

STEP 3: Semantic Plausibility & Logic (0-3 points) 【语义合理性 - CRITICAL】

[WARNING] CRITICAL CHECK - Examine CAREFULLY for logical contradictions

Sub-step 3.1 - Time Sequence Logic (时间序列逻辑):
Question: Does the timeline make sense?
- Original time elements: [identify: when, how long, sequence]
- Migrated time elements: [identify: when, how long, sequence]
- Analysis: [Describe the time flow in both sentences]
- Check for timing conflicts:
  * Are there "already X" → "will be Y" contradictions? [yes/no + explain]
  * Are there improper tense uses? [yes/no + explain]
  * Example issue: "infected" (already) → "will be hospitalized" (future) [ERROR]
  * Example correct: "in critical condition" → "will die" [OK]
- Sub-result: [OK / ISSUE + explain]

Sub-step 3.2 - Cause-Effect Logic (因果关系):
Question: Do the cause-effect relationships make sense?
- Original: IF [cause] THEN [effect] → [identify both]
- Migrated: IF [cause] THEN [effect] → [identify both]
- Are they logically parallel?
- Check for illogical relationships:
  * Does "no treatment" lead to logical consequence? [yes/no + explain]
  * Example issue: "no treatment" → "will be hospitalized" [ERROR] (illogical)
  * Example correct: "no treatment" → "will die/deteriorate" [OK] (logical)
- Sub-result: [OK / ISSUE + explain]

Sub-step 3.3 - Severity Matching (严重性匹配):
Question: Do the consequences match in severity?
- Original consequence: [identify] → Severity level: [low/medium/high/death]
- Migrated consequence: [identify] → Severity level: [low/medium/high/death]
- Are they comparable in severity? [yes/no + explain]
- Check for severity mismatches:
  * Example issue: "executed" (death) → "hospitalized" (treatment) [ERROR]
  * Example correct: "executed" → "die/killed" [OK]
  * Example correct: "injured" → "wounded" [OK]
- Sub-result: [OK / ISSUE + explain]

Sub-step 3.4 - Real-World Believability (现实可信度):
Question: Is the migrated sentence believable in the real world?
- Does the scenario make practical sense? [yes/no + explain]
- Are there any absurd or nonsensical elements? [yes/no + list]
- Would this happen in reality? [yes/no + reason]
- Sub-result: [OK / ISSUE + explain]

Sub-step 3.5 - Overall Logic Summary:
- Total issues found: [count from 3.1-3.4]
- Critical issues (major contradictions): [list]
- Minor issues (acceptable): [list]

Sub-step 3.6 - Calculate Score:
- 0 issues found → 3 points (Perfectly logical)
- 1 minor issue only → 2 points (Mostly logical)
- 1 critical issue OR 2+ minor issues → 1 point (Problematic)
- 2+ critical issues → 0 points (Illogical)
Step 3 Score: [0-3]

STEP 4: Topic Migration Success (0-2 points) 【话题迁移】

Sub-step 4.1 - Topic Identification:
- Original topic/domain: [identify clearly]
- Migrated topic/domain: [identify clearly]
- Topic change: [original] → [migrated]

Sub-step 4.2 - Migration Quality:
- Is the topic change clear and obvious? [yes/no]
- Is the new topic coherent and meaningful? [yes/no]
- Does it feel like Shadow Writing or just template filling? [Shadow/Template + reason]

Sub-step 4.3 - Calculate Score:
- Clear, meaningful migration + Shadow Writing feel → 2 points
- Weak or unclear topic change → 1 point
- No real migration or template filling → 0 points
Step 4 Score: [0-2]

STEP 5: Learning Value (0-1 points) 【学习价值】

- Can English learners benefit from this migration? [yes/no + explain]
- Does it demonstrate a useful, reusable sentence pattern? [yes/no]
- Is it practical and applicable to real communication? [yes/no]
Step 5 Score: [0-1]

STEP 6: FINAL ASSESSMENT

Total Score Calculation:
- Step 1 (Grammar): [score]/3
- Step 2 (Content): [score]/2
- Step 3 (Logic): [score]/3
- Step 4 (Topic): [score]/2
- Step 5 (Learning): [score]/1
- TOTAL: [sum]/11

Pass Threshold: ≥9 points (AND Logic must be ≥2/3)

Final Judgment:
- Does this PASS quality standards? [yes/no]
- Key Strengths: [list what was done well]
- Key Issues: [list problems, especially from Step 3]
- Overall Assessment: [Shadow Writing OR Template Filling]
</thinking>

Based on the detailed analysis above, provide your evaluation in JSON format:

{
  "step1_grammar": <0-3>,
  "step2_content": <0-2>,
  "step3_logic": <0-3>,
  "step3_issues": ["list of critical logical issues found, or empty array if none"],
  "step4_topic": <0-2>,
  "step5_learning": <0-1>,
  "total_score": <0-11>,
  "pass": <true/false>,
  "reasoning": "<brief summary focusing on Step 3 logic check>"
}

JSON:`

const correctionPromptTemplate = `
You are a TED sentence migration improvement specialist. Use step-by-step thinking to improve this failed migration.

ORIGINAL SENTENCE: "%ORIGINAL%"
FAILED MIGRATION: "%IMITATION%"
FAILED WORD MAPPING: %WORD_MAP%

QUALITY EVALUATION RESULTS:
- Total Score: %TOTAL_SCORE%/11 (Failed - needs ≥9)
- Detailed Scores:
  * Grammar Structure: %GRAMMAR%/3
  * Content Replacement: %CONTENT%/2
  * Logic & Plausibility: %LOGIC%/3 %LOGIC_FLAG%
  * Topic Migration: %TOPIC%/2
  * Learning Value: %LEARNING%/1

CRITICAL LOGICAL ISSUES:
%ISSUES%

QUALITY FEEDBACK: "%REASONING%"

Please think step by step to create an improved migration:

<thinking>
Step 1 - Analyze Quality Feedback:
Focus on the LOWEST scoring dimensions, especially Logic if < 2/3

Step 2 - Identify Root Problems Based on Scores:
- Logic problems: check time sequence, cause-effect, severity matching
- Grammar problems: analyze if structure preservation failed
- Content problems: check if word replacements were unnatural
- Topic problems: check if topic migration was unclear
- Learning problems: check if pattern is not useful

Step 3 - Plan Improvements (Focus on Failed Dimensions):
PRIORITY: Fix Logic issues first if Logic < 2!
- If Logic failed: Fix time sequence, cause-effect, severity matching
  * Ensure consequences match severity (death→death, injury→injury)
  * Check "already X" doesn't lead to "will be Y"
  * Verify cause-effect is logical
- If Grammar failed: Preserve sentence structure better
- If Content failed: Use more natural collocations
- If Topic failed: Choose clearer domain migration
- If Learning failed: Make pattern more useful/reusable

Step 4 - Create Improved Migration:
- Write NEW migrated sentence addressing ALL issues above
- Provide improved word mapping with 2-3 alternatives each
- Verify: Logic [OK], Grammar [OK], Content [OK], Topic [OK], Learning [OK]
</thinking>

Based on my analysis above, here is the improved migration that addresses the failed dimensions:

{"original": "%ORIGINAL%", "imitation": "<improved_migrated_sentence>", "map": {"word1": ["alt1", "alt2", "alt3"], "word2": ["alt1", "alt2", "alt3"]}}

JSON:`

func buildGeneratePrompt(chunkText string) string {
	return strings.ReplaceAll(generatePromptTemplate, "%CHUNK_TEXT%", chunkText)
}

func buildQualityPrompt(a *models.ShadowArtifact) string {
	paragraph := a.Paragraph
	if len(paragraph) > 200 {
		paragraph = paragraph[:200]
	}
	r := strings.NewReplacer(
		"%ORIGINAL%", a.Original,
		"%IMITATION%", a.Imitation,
		"%WORD_MAP%", marshalMap(a.Map),
		"%PARAGRAPH%", paragraph,
	)
	return r.Replace(qualityPromptTemplate)
}

func buildCorrectionPrompt(a *models.ShadowArtifact, v *models.QualityVerdict) string {
	logicFlag := ""
	if v.LogicVeto {
		logicFlag = "(CRITICAL FAILURE)"
	}
	issues := "- None"
	if len(v.Issues) > 0 {
		var b strings.Builder
		for i, issue := range v.Issues {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("- ")
			b.WriteString(issue)
		}
		issues = b.String()
	}
	r := strings.NewReplacer(
		"%ORIGINAL%", a.Original,
		"%IMITATION%", a.Imitation,
		"%WORD_MAP%", marshalMap(a.Map),
		"%TOTAL_SCORE%", fmt.Sprintf("%d", v.Total),
		"%GRAMMAR%", fmt.Sprintf("%d", v.Grammar),
		"%CONTENT%", fmt.Sprintf("%d", v.Content),
		"%LOGIC%", fmt.Sprintf("%d", v.Logic),
		"%LOGIC_FLAG%", logicFlag,
		"%TOPIC%", fmt.Sprintf("%d", v.Topic),
		"%LEARNING%", fmt.Sprintf("%d", v.Learning),
		"%ISSUES%", issues,
		"%REASONING%", v.Reasoning,
	)
	return r.Replace(correctionPromptTemplate)
}

func marshalMap(m map[string][]string) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
